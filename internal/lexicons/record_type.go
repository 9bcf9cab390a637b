// Package lexicons defines types for Shelfmark's AT Protocol lexicon schemas.
package lexicons

// RecordType represents the type of an indexed record.
// Use these constants instead of magic strings for type safety.
type RecordType string

const (
	RecordTypeBookshelf RecordType = "bookshelf"
	RecordTypeBook      RecordType = "book"
	RecordTypeComment   RecordType = "comment"
	RecordTypeUnknown   RecordType = "unknown"
)

// String returns the string representation of the RecordType.
func (r RecordType) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the RecordType.
func (r RecordType) DisplayName() string {
	switch r {
	case RecordTypeBookshelf:
		return "Bookshelf"
	case RecordTypeBook:
		return "Book"
	case RecordTypeComment:
		return "Comment"
	default:
		return string(r)
	}
}
