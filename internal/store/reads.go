package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shelfmark/internal/models"
)

// GetUser retrieves a user by DID. Returns (nil, nil) if not found.
func (s *Store) GetUser(ctx context.Context, did string) (*models.User, error) {
	var u models.User
	var remote int
	var createdAtStr, updatedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT did, handle, display_name, avatar_url, remote, created_at, updated_at
		FROM users WHERE did = ?
	`, did).Scan(&u.DID, &u.Handle, &u.DisplayName, &u.AvatarURL, &remote, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Remote = remote == 1
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return &u, nil
}

// GetBookshelfByURI retrieves a bookshelf by its AT-URI. Returns
// (nil, nil) if not found.
func (s *Store) GetBookshelfByURI(ctx context.Context, uri string) (*models.Bookshelf, error) {
	var b models.Bookshelf
	var createdAtStr, updatedAtStr, indexedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, did, rkey, name, description, privacy, created_at, updated_at, indexed_at
		FROM bookshelves WHERE uri = ?
	`, uri).Scan(&b.URI, &b.DID, &b.RKey, &b.Name, &b.Description, &b.Privacy,
		&createdAtStr, &updatedAtStr, &indexedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	b.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAtStr)
	return &b, nil
}

// GetBookByURI retrieves a book by its AT-URI. Returns (nil, nil) if
// not found.
func (s *Store) GetBookByURI(ctx context.Context, uri string) (*models.Book, error) {
	var b models.Book
	var authorsStr string
	var createdAtStr, updatedAtStr, indexedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, did, rkey, shelf_uri, title, authors, isbn, cover_url, created_at, updated_at, indexed_at
		FROM books WHERE uri = ?
	`, uri).Scan(&b.URI, &b.DID, &b.RKey, &b.ShelfURI, &b.Title, &authorsStr, &b.ISBN, &b.CoverURL,
		&createdAtStr, &updatedAtStr, &indexedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(authorsStr), &b.Authors)
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	b.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAtStr)
	return &b, nil
}

// GetCommentByURI retrieves a comment by its AT-URI. Returns (nil, nil)
// if not found.
func (s *Store) GetCommentByURI(ctx context.Context, uri string) (*models.Comment, error) {
	var c models.Comment
	var createdAtStr, indexedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, did, rkey, subject_uri, text, created_at, indexed_at
		FROM comments WHERE uri = ?
	`, uri).Scan(&c.URI, &c.DID, &c.RKey, &c.SubjectURI, &c.Text, &createdAtStr, &indexedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	c.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAtStr)
	return &c, nil
}

// ListBookshelvesByDID returns a user's shelves, newest first.
func (s *Store) ListBookshelvesByDID(ctx context.Context, did string) ([]models.Bookshelf, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, did, rkey, name, description, privacy, created_at, updated_at, indexed_at
		FROM bookshelves WHERE did = ? ORDER BY created_at DESC
	`, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shelves []models.Bookshelf
	for rows.Next() {
		var b models.Bookshelf
		var createdAtStr, updatedAtStr, indexedAtStr string
		if err := rows.Scan(&b.URI, &b.DID, &b.RKey, &b.Name, &b.Description, &b.Privacy,
			&createdAtStr, &updatedAtStr, &indexedAtStr); err != nil {
			continue
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		b.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAtStr)
		shelves = append(shelves, b)
	}
	return shelves, rows.Err()
}

// ListBooksByShelf returns the books on a shelf, newest first.
func (s *Store) ListBooksByShelf(ctx context.Context, shelfURI string) ([]models.Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, did, rkey, shelf_uri, title, authors, isbn, cover_url, created_at, updated_at, indexed_at
		FROM books WHERE shelf_uri = ? ORDER BY created_at DESC
	`, shelfURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

// ListBooksByDID returns all of a user's books, newest first.
func (s *Store) ListBooksByDID(ctx context.Context, did string) ([]models.Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, did, rkey, shelf_uri, title, authors, isbn, cover_url, created_at, updated_at, indexed_at
		FROM books WHERE did = ? ORDER BY created_at DESC
	`, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

func scanBooks(rows *sql.Rows) ([]models.Book, error) {
	var books []models.Book
	for rows.Next() {
		var b models.Book
		var authorsStr string
		var createdAtStr, updatedAtStr, indexedAtStr string
		if err := rows.Scan(&b.URI, &b.DID, &b.RKey, &b.ShelfURI, &b.Title, &authorsStr, &b.ISBN, &b.CoverURL,
			&createdAtStr, &updatedAtStr, &indexedAtStr); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(authorsStr), &b.Authors)
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		b.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAtStr)
		books = append(books, b)
	}
	return books, rows.Err()
}

// ListCommentsBySubject returns the comments on a record, oldest first.
func (s *Store) ListCommentsBySubject(ctx context.Context, subjectURI string) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, did, rkey, subject_uri, text, created_at, indexed_at
		FROM comments WHERE subject_uri = ? ORDER BY created_at ASC
	`, subjectURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []models.Comment
	for rows.Next() {
		var c models.Comment
		var createdAtStr, indexedAtStr string
		if err := rows.Scan(&c.URI, &c.DID, &c.RKey, &c.SubjectURI, &c.Text, &createdAtStr, &indexedAtStr); err != nil {
			continue
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		c.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAtStr)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListRecentActivity returns the newest activity entries, most recent
// first.
func (s *Store) ListRecentActivity(ctx context.Context, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, did, subject_uri, created_at
		FROM activity ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Activity
	for rows.Next() {
		var a models.Activity
		var createdAtStr string
		if err := rows.Scan(&a.ID, &a.Type, &a.DID, &a.SubjectURI, &createdAtStr); err != nil {
			continue
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// SetProcessStatus records a component's status row. Written directly,
// not through the write queue, so it survives a queue shutdown.
func (s *Store) SetProcessStatus(ctx context.Context, name, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_status (name, status, detail, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status     = excluded.status,
			detail     = excluded.detail,
			updated_at = excluded.updated_at
	`, name, status, detail, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set process status: %w", err)
	}
	return nil
}

// GetProcessStatus retrieves a component's status row. Returns
// (nil, nil) if not found.
func (s *Store) GetProcessStatus(ctx context.Context, name string) (*models.ProcessStatus, error) {
	var p models.ProcessStatus
	var updatedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, status, detail, updated_at FROM process_status WHERE name = ?
	`, name).Scan(&p.Name, &p.Status, &p.Detail, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return &p, nil
}
