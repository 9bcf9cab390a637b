// Package models defines the row types shared by the store and the
// firehose indexer, plus validation for record fields arriving off the
// network.
package models

import (
	"errors"
	"time"
)

// Field limits applied to ingested records. The firehose is untrusted
// input; anything over these caps is dropped before it reaches storage.
const (
	MaxNameLength        = 200
	MaxDescriptionLength = 2000
	MaxTitleLength       = 500
	MaxTextLength        = 2000
	MaxAuthors           = 20
	MaxAuthorLength      = 200
	MaxISBNLength        = 17
	MaxURLLength         = 2048
	MaxPrivacyLength     = 32
)

var (
	ErrNameRequired    = errors.New("name is required")
	ErrNameTooLong     = errors.New("name exceeds maximum length")
	ErrTitleRequired   = errors.New("title is required")
	ErrDescTooLong     = errors.New("description exceeds maximum length")
	ErrTextTooLong     = errors.New("text exceeds maximum length")
	ErrFieldTooLong    = errors.New("field exceeds maximum length")
	ErrInvalidPrivacy  = errors.New("privacy is not a recognized level")
	ErrSubjectRequired = errors.New("subject uri is required")
)

// Activity types recorded when a record is first indexed.
const (
	ActivityBookshelfCreated = "bookshelf_created"
	ActivityBookCreated      = "book_created"
	ActivityCommentCreated   = "comment_created"
)

// User is a row in the users table. Remote marks a placeholder created
// from firehose traffic alone, before any profile hydration.
type User struct {
	DID         string
	Handle      string
	DisplayName string
	AvatarURL   string
	Remote      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Bookshelf is a row in the bookshelves table.
type Bookshelf struct {
	URI         string
	DID         string
	RKey        string
	Name        string
	Description string
	Privacy     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	IndexedAt   time.Time
}

// Validate checks field presence and limits before the row is enqueued.
func (b *Bookshelf) Validate() error {
	if b.Name == "" {
		return ErrNameRequired
	}
	if len(b.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if len(b.Description) > MaxDescriptionLength {
		return ErrDescTooLong
	}
	if len(b.Privacy) > MaxPrivacyLength {
		return ErrFieldTooLong
	}
	if !validPrivacy(b.Privacy) {
		return ErrInvalidPrivacy
	}
	return nil
}

// Book is a row in the books table. ShelfURI references the owning
// bookshelf row.
type Book struct {
	URI       string
	DID       string
	RKey      string
	ShelfURI  string
	Title     string
	Authors   []string
	ISBN      string
	CoverURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
	IndexedAt time.Time
}

func (b *Book) Validate() error {
	if b.Title == "" {
		return ErrTitleRequired
	}
	if len(b.Title) > MaxTitleLength {
		return ErrFieldTooLong
	}
	if len(b.ISBN) > MaxISBNLength {
		return ErrFieldTooLong
	}
	if len(b.CoverURL) > MaxURLLength || len(b.ShelfURI) > MaxURLLength {
		return ErrFieldTooLong
	}
	if len(b.Authors) > MaxAuthors {
		return ErrFieldTooLong
	}
	for _, author := range b.Authors {
		if len(author) > MaxAuthorLength {
			return ErrFieldTooLong
		}
	}
	return nil
}

// Comment is a row in the comments table. SubjectURI is the at-URI of the
// bookshelf or book the comment is attached to.
type Comment struct {
	URI        string
	DID        string
	RKey       string
	SubjectURI string
	Text       string
	CreatedAt  time.Time
	IndexedAt  time.Time
}

func (c *Comment) Validate() error {
	if c.SubjectURI == "" {
		return ErrSubjectRequired
	}
	if len(c.SubjectURI) > MaxURLLength {
		return ErrFieldTooLong
	}
	if len(c.Text) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

// Activity is a row in the activity log.
type Activity struct {
	ID         int64
	Type       string
	DID        string
	SubjectURI string
	CreatedAt  time.Time
}

// ProcessStatus is a row in the process_status table, written on
// startup and on fatal shutdown for external supervision.
type ProcessStatus struct {
	Name      string
	Status    string
	Detail    string
	UpdatedAt time.Time
}

func validPrivacy(privacy string) bool {
	for _, level := range PrivacyLevels {
		if privacy == level {
			return true
		}
	}
	return false
}
