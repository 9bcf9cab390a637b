package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// PublicAPIBaseURL is the public Bluesky AppView endpoint
	PublicAPIBaseURL = "https://public.api.bsky.app"
	// PLCDirectoryURL is the PLC directory for resolving DIDs
	PLCDirectoryURL = "https://plc.directory"
)

// Identity is what a DID document declares about a repository: the
// handle it claims and the PDS hosting it.
type Identity struct {
	DID         string
	Handle      string
	PDSEndpoint string
}

// didDocument is the subset of a DID document this client reads.
// alsoKnownAs carries the handle as an at:// URI; the PDS is the
// atproto_pds service entry.
type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// PublicClient provides unauthenticated access to public ATProto APIs.
// It resolves DID documents to identities (handle + PDS endpoint) and
// hydrates profiles for users first seen through the firehose.
type PublicClient struct {
	baseURL string
	plcURL  string

	httpClient *http.Client

	// Resolved identities are cached; DID documents churn rarely and
	// identity frames announce the changes we care about anyway.
	idCache   map[string]*Identity
	idCacheMu sync.RWMutex
}

// NewPublicClient creates a new public API client
func NewPublicClient() *PublicClient {
	return &PublicClient{
		baseURL: PublicAPIBaseURL,
		plcURL:  PLCDirectoryURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		idCache: make(map[string]*Identity),
	}
}

// ResolveIdentity resolves a DID to the handle and PDS endpoint its DID
// document declares. did:plc documents come from the PLC directory;
// did:web uses the domain itself as the PDS and leaves the handle to
// profile hydration.
func (c *PublicClient) ResolveIdentity(ctx context.Context, did string) (*Identity, error) {
	c.idCacheMu.RLock()
	if ident, ok := c.idCache[did]; ok {
		c.idCacheMu.RUnlock()
		return ident, nil
	}
	c.idCacheMu.RUnlock()

	var ident *Identity
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		doc, err := c.fetchDIDDocument(ctx, did)
		if err != nil {
			return nil, err
		}
		ident = identityFromDocument(did, doc)
	case strings.HasPrefix(did, "did:web:"):
		ident = &Identity{
			DID:         did,
			PDSEndpoint: "https://" + strings.TrimPrefix(did, "did:web:"),
		}
	default:
		return nil, fmt.Errorf("unsupported DID method: %s", did)
	}

	if ident.PDSEndpoint == "" {
		return nil, fmt.Errorf("could not resolve PDS endpoint for %s", did)
	}

	c.idCacheMu.Lock()
	c.idCache[did] = ident
	c.idCacheMu.Unlock()

	return ident, nil
}

func (c *PublicClient) fetchDIDDocument(ctx context.Context, did string) (*didDocument, error) {
	reqURL := fmt.Sprintf("%s/%s", c.plcURL, did)
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DID resolution failed with status %d", resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding DID document: %w", err)
	}
	return &doc, nil
}

func identityFromDocument(did string, doc *didDocument) *Identity {
	ident := &Identity{DID: did}
	for _, aka := range doc.AlsoKnownAs {
		if handle, ok := strings.CutPrefix(aka, "at://"); ok && handle != "" {
			ident.Handle = handle
			break
		}
	}
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" || svc.Type == "AtprotoPersonalDataServer" {
			ident.PDSEndpoint = svc.ServiceEndpoint
			break
		}
	}
	return ident
}

// Profile represents a user's public profile
type Profile struct {
	DID         string  `json:"did"`
	Handle      string  `json:"handle"`
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}

// GetProfile fetches a user's public profile by DID or handle
func (c *PublicClient) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	reqURL := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s",
		c.baseURL, url.QueryEscape(actor))

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	return &profile, nil
}
