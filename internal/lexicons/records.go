package lexicons

import (
	"errors"
	"fmt"
	"time"

	"shelfmark/internal/atproto"

	data "github.com/bluesky-social/indigo/atproto/atdata"
)

// ErrTypeMismatch is returned when a record's $type tag does not match the
// collection it was written under. Such records are dropped by the caller.
var ErrTypeMismatch = errors.New("record $type does not match collection")

// Record is the closed set of decoded Shelfmark records. Concrete types are
// Bookshelf, Book, Comment, and Unknown.
type Record interface {
	Type() RecordType
}

// Bookshelf is a user's named collection of books.
type Bookshelf struct {
	Name        string
	Description string
	Privacy     string
	CreatedAt   time.Time
}

func (Bookshelf) Type() RecordType { return RecordTypeBookshelf }

// Book is a single book placed on a bookshelf. ShelfURI is the at-URI of
// the owning bookshelf record.
type Book struct {
	Title     string
	Authors   []string
	ISBN      string
	ShelfURI  string
	CoverURL  string
	CreatedAt time.Time
}

func (Book) Type() RecordType { return RecordTypeBook }

// Comment is a reply attached to a bookshelf or book. SubjectURI is the
// at-URI of the record being commented on.
type Comment struct {
	SubjectURI string
	Text       string
	CreatedAt  time.Time
}

func (Comment) Type() RecordType { return RecordTypeComment }

// Unknown marks a record from a collection this build does not understand.
type Unknown struct {
	Collection string
}

func (Unknown) Type() RecordType { return RecordTypeUnknown }

// TypeForCollection maps a collection NSID to its RecordType.
func TypeForCollection(collection string) RecordType {
	switch collection {
	case atproto.NSIDBookshelf:
		return RecordTypeBookshelf
	case atproto.NSIDBook:
		return RecordTypeBook
	case atproto.NSIDComment:
		return RecordTypeComment
	default:
		return RecordTypeUnknown
	}
}

// DecodeRecord decodes the DAG-CBOR bytes of a record block into a typed
// Record for the given collection. Malformed CBOR or a missing required
// field is an error; a $type tag that disagrees with the collection returns
// ErrTypeMismatch.
func DecodeRecord(collection string, raw []byte) (Record, error) {
	obj, err := data.UnmarshalCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed record block: %w", err)
	}
	return RecordFromData(collection, obj)
}

// RecordFromData builds a typed Record from already-decoded lexicon data.
func RecordFromData(collection string, obj map[string]any) (Record, error) {
	typeTag, _ := obj["$type"].(string)
	if typeTag != collection {
		return nil, fmt.Errorf("%w: $type %q under collection %q", ErrTypeMismatch, typeTag, collection)
	}

	switch collection {
	case atproto.NSIDBookshelf:
		return bookshelfFromData(obj)
	case atproto.NSIDBook:
		return bookFromData(obj)
	case atproto.NSIDComment:
		return commentFromData(obj)
	default:
		return Unknown{Collection: collection}, nil
	}
}

func bookshelfFromData(obj map[string]any) (Bookshelf, error) {
	name, _ := obj["name"].(string)
	if name == "" {
		return Bookshelf{}, fmt.Errorf("bookshelf record missing name")
	}

	privacy, _ := obj["privacy"].(string)
	if privacy == "" {
		privacy = "public"
	}

	description, _ := obj["description"].(string)

	return Bookshelf{
		Name:        name,
		Description: description,
		Privacy:     privacy,
		CreatedAt:   createdAtFromData(obj),
	}, nil
}

func bookFromData(obj map[string]any) (Book, error) {
	title, _ := obj["title"].(string)
	if title == "" {
		return Book{}, fmt.Errorf("book record missing title")
	}

	shelfURI, _ := obj["shelfRef"].(string)
	if shelfURI == "" {
		return Book{}, fmt.Errorf("book record missing shelfRef")
	}

	isbn, _ := obj["isbn"].(string)
	coverURL, _ := obj["coverUrl"].(string)

	return Book{
		Title:     title,
		Authors:   stringSliceFromData(obj["authors"]),
		ISBN:      isbn,
		ShelfURI:  shelfURI,
		CoverURL:  coverURL,
		CreatedAt: createdAtFromData(obj),
	}, nil
}

func commentFromData(obj map[string]any) (Comment, error) {
	subject, _ := obj["subject"].(map[string]any)
	subjectURI, _ := subject["uri"].(string)
	if subjectURI == "" {
		return Comment{}, fmt.Errorf("comment record missing subject uri")
	}

	text, _ := obj["text"].(string)

	return Comment{
		SubjectURI: subjectURI,
		Text:       text,
		CreatedAt:  createdAtFromData(obj),
	}, nil
}

// createdAtFromData parses the record's createdAt timestamp, falling back to
// the current time when the field is absent or unparseable.
func createdAtFromData(obj map[string]any) time.Time {
	if s, ok := obj["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

func stringSliceFromData(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
