package atproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildATURI(t *testing.T) {
	uri := BuildATURI("did:plc:abc", NSIDBookshelf, "tid123")
	assert.Equal(t, "at://did:plc:abc/social.shelfmark.alpha.bookshelf/tid123", uri)
}

func TestResolveATURI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		did        string
		collection string
		rkey       string
		wantErr    bool
	}{
		{
			name:       "bookshelf record",
			uri:        "at://did:plc:abc123/social.shelfmark.alpha.bookshelf/3jxyabc",
			did:        "did:plc:abc123",
			collection: NSIDBookshelf,
			rkey:       "3jxyabc",
		},
		{
			name:       "book record with web did",
			uri:        "at://did:web:example.com/social.shelfmark.alpha.book/tid456",
			did:        "did:web:example.com",
			collection: NSIDBook,
			rkey:       "tid456",
		},
		{
			name:    "missing scheme",
			uri:     "did:plc:abc123/social.shelfmark.alpha.bookshelf/3jxyabc",
			wantErr: true,
		},
		{
			name:    "empty",
			uri:     "",
			wantErr: true,
		},
		{
			name:    "no rkey",
			uri:     "at://did:plc:abc123/social.shelfmark.alpha.bookshelf",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			did, collection, rkey, err := ResolveATURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.did, did)
			assert.Equal(t, tt.collection, collection)
			assert.Equal(t, tt.rkey, rkey)
		})
	}
}

func TestResolveATURI_RoundTrip(t *testing.T) {
	uri := BuildATURI("did:plc:roundtrip", NSIDComment, "rkey1")
	did, collection, rkey, err := ResolveATURI(uri)
	assert.NoError(t, err)
	assert.Equal(t, "did:plc:roundtrip", did)
	assert.Equal(t, NSIDComment, collection)
	assert.Equal(t, "rkey1", rkey)
}

func TestValidateDID(t *testing.T) {
	assert.NoError(t, ValidateDID("did:plc:abc123"))
	assert.NoError(t, ValidateDID("did:web:example.com"))
	assert.Error(t, ValidateDID("not-a-did"))
	assert.Error(t, ValidateDID(""))
}
