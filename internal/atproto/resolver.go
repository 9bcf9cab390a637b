package atproto

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// BuildATURI assembles the canonical at-URI for a record.
// AT-URI format: at://did:plc:abc123/social.shelfmark.alpha.bookshelf/3jxyabc
func BuildATURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// ResolveATURI parses an AT-URI and returns its components
func ResolveATURI(uri string) (did string, collection string, rkey string, err error) {
	atURI, err := syntax.ParseATURI(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid AT-URI: %w", err)
	}

	did = atURI.Authority().String()
	collection = atURI.Collection().String()
	rkey = atURI.RecordKey().String()

	return did, collection, rkey, nil
}

// ValidateDID checks that a string is a syntactically valid DID.
func ValidateDID(did string) error {
	if _, err := syntax.ParseDID(did); err != nil {
		return fmt.Errorf("invalid DID: %w", err)
	}
	return nil
}
