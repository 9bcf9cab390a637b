package firehose

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"shelfmark/internal/atproto"
	"shelfmark/internal/lexicons"
	"shelfmark/internal/models"
	"shelfmark/internal/ratelimit"
	"shelfmark/internal/store"
	"shelfmark/internal/tracing"
	"shelfmark/internal/writequeue"
)

// ProfileSource resolves DID documents and public profile data for
// identity refreshes. *atproto.PublicClient satisfies it.
type ProfileSource interface {
	ResolveIdentity(ctx context.Context, did string) (*atproto.Identity, error)
	GetProfile(ctx context.Context, actor string) (*atproto.Profile, error)
}

var _ ProfileSource = (*atproto.PublicClient)(nil)

// Indexer applies extracted record events to the local index. It reads the
// store directly to decide between insert and update, but every write goes
// through the write queue.
type Indexer struct {
	store    *store.Store
	queue    *writequeue.Queue
	profiles ProfileSource
	limiter  *ratelimit.TokenBucket
}

// NewIndexer creates an indexer. profiles and limiter may be nil, which
// disables profile resolution on identity frames.
func NewIndexer(st *store.Store, queue *writequeue.Queue, profiles ProfileSource, limiter *ratelimit.TokenBucket) *Indexer {
	return &Indexer{
		store:    st,
		queue:    queue,
		profiles: profiles,
		limiter:  limiter,
	}
}

// Index routes one record event to the matching table operations. Records
// are addressed by at-URI: indexing the same URI again updates the existing
// row rather than creating a duplicate.
func (ix *Indexer) Index(ctx context.Context, ev RecordEvent) error {
	ctx, span := tracing.EventSpan(ctx, ev.Collection, ev.Action, ev.DID)
	defer span.End()

	var err error
	switch ev.Action {
	case "create", "update":
		err = ix.upsert(ctx, ev)
	case "delete":
		err = ix.deleteRecord(ctx, ev)
	default:
		err = fmt.Errorf("unknown action %q for %s", ev.Action, ev.URI)
	}
	tracing.EndWithError(span, err)
	return err
}

func (ix *Indexer) upsert(ctx context.Context, ev RecordEvent) error {
	switch rec := ev.Record.(type) {
	case lexicons.Bookshelf:
		return ix.upsertBookshelf(ctx, ev, rec)
	case lexicons.Book:
		return ix.upsertBook(ctx, ev, rec)
	case lexicons.Comment:
		return ix.upsertComment(ctx, ev, rec)
	default:
		return fmt.Errorf("no index path for %s", ev.Collection)
	}
}

func (ix *Indexer) upsertBookshelf(ctx context.Context, ev RecordEvent, rec lexicons.Bookshelf) error {
	now := time.Now().UTC()
	row := &models.Bookshelf{
		URI:         ev.URI,
		DID:         ev.DID,
		RKey:        ev.RKey,
		Name:        rec.Name,
		Description: rec.Description,
		Privacy:     rec.Privacy,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   now,
		IndexedAt:   now,
	}
	if err := row.Validate(); err != nil {
		return fmt.Errorf("invalid bookshelf %s: %w", ev.URI, err)
	}

	existing, err := ix.store.GetBookshelfByURI(ctx, ev.URI)
	if err != nil {
		return fmt.Errorf("bookshelf lookup: %w", err)
	}
	if existing != nil {
		ix.queue.Enqueue(writequeue.Request{
			Table: "bookshelves",
			Op:    writequeue.OpUpdate,
			Key:   ev.URI,
			Payload: map[string]any{
				"name":        row.Name,
				"description": row.Description,
				"privacy":     row.Privacy,
				"updated_at":  now,
				"indexed_at":  now,
			},
		})
		return nil
	}

	if err := ix.ensureUser(ctx, ev.DID); err != nil {
		return err
	}
	ix.queue.Enqueue(writequeue.Request{
		Table: "bookshelves",
		Op:    writequeue.OpInsert,
		Payload: map[string]any{
			"uri":         row.URI,
			"did":         row.DID,
			"rkey":        row.RKey,
			"name":        row.Name,
			"description": row.Description,
			"privacy":     row.Privacy,
			"created_at":  row.CreatedAt,
			"updated_at":  now,
			"indexed_at":  now,
		},
	})
	ix.recordActivity(models.ActivityBookshelfCreated, ev.DID, ev.URI, now)
	return nil
}

func (ix *Indexer) upsertBook(ctx context.Context, ev RecordEvent, rec lexicons.Book) error {
	now := time.Now().UTC()
	row := &models.Book{
		URI:       ev.URI,
		DID:       ev.DID,
		RKey:      ev.RKey,
		ShelfURI:  rec.ShelfURI,
		Title:     rec.Title,
		Authors:   rec.Authors,
		ISBN:      rec.ISBN,
		CoverURL:  rec.CoverURL,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: now,
		IndexedAt: now,
	}
	if err := row.Validate(); err != nil {
		return fmt.Errorf("invalid book %s: %w", ev.URI, err)
	}

	existing, err := ix.store.GetBookByURI(ctx, ev.URI)
	if err != nil {
		return fmt.Errorf("book lookup: %w", err)
	}
	if existing != nil {
		ix.queue.Enqueue(writequeue.Request{
			Table: "books",
			Op:    writequeue.OpUpdate,
			Key:   ev.URI,
			Payload: map[string]any{
				"shelf_uri":  row.ShelfURI,
				"title":      row.Title,
				"authors":    row.Authors,
				"isbn":       row.ISBN,
				"cover_url":  row.CoverURL,
				"updated_at": now,
				"indexed_at": now,
			},
		})
		return nil
	}

	if err := ix.ensureUser(ctx, ev.DID); err != nil {
		return err
	}
	ix.queue.Enqueue(writequeue.Request{
		Table: "books",
		Op:    writequeue.OpInsert,
		Payload: map[string]any{
			"uri":        row.URI,
			"did":        row.DID,
			"rkey":       row.RKey,
			"shelf_uri":  row.ShelfURI,
			"title":      row.Title,
			"authors":    row.Authors,
			"isbn":       row.ISBN,
			"cover_url":  row.CoverURL,
			"created_at": row.CreatedAt,
			"updated_at": now,
			"indexed_at": now,
		},
	})
	ix.recordActivity(models.ActivityBookCreated, ev.DID, ev.URI, now)
	return nil
}

func (ix *Indexer) upsertComment(ctx context.Context, ev RecordEvent, rec lexicons.Comment) error {
	now := time.Now().UTC()
	row := &models.Comment{
		URI:        ev.URI,
		DID:        ev.DID,
		RKey:       ev.RKey,
		SubjectURI: rec.SubjectURI,
		Text:       rec.Text,
		CreatedAt:  rec.CreatedAt,
		IndexedAt:  now,
	}
	if err := row.Validate(); err != nil {
		return fmt.Errorf("invalid comment %s: %w", ev.URI, err)
	}

	existing, err := ix.store.GetCommentByURI(ctx, ev.URI)
	if err != nil {
		return fmt.Errorf("comment lookup: %w", err)
	}
	if existing != nil {
		ix.queue.Enqueue(writequeue.Request{
			Table: "comments",
			Op:    writequeue.OpUpdate,
			Key:   ev.URI,
			Payload: map[string]any{
				"text":       row.Text,
				"indexed_at": now,
			},
		})
		return nil
	}

	if err := ix.ensureUser(ctx, ev.DID); err != nil {
		return err
	}
	ix.queue.Enqueue(writequeue.Request{
		Table: "comments",
		Op:    writequeue.OpInsert,
		Payload: map[string]any{
			"uri":         row.URI,
			"did":         row.DID,
			"rkey":        row.RKey,
			"subject_uri": row.SubjectURI,
			"text":        row.Text,
			"created_at":  row.CreatedAt,
			"indexed_at":  now,
		},
	})
	ix.recordActivity(models.ActivityCommentCreated, ev.DID, ev.URI, now)
	return nil
}

func (ix *Indexer) deleteRecord(ctx context.Context, ev RecordEvent) error {
	table, ok := tableForCollection(ev.Collection)
	if !ok {
		return fmt.Errorf("no table for %s", ev.Collection)
	}
	ix.queue.Enqueue(writequeue.Request{
		Table: table,
		Op:    writequeue.OpDelete,
		Key:   ev.URI,
	})
	log.Debug().Str("uri", ev.URI).Msg("firehose: record deleted")
	return nil
}

// ensureUser queues a placeholder row for a DID first seen through the
// firehose. The insert is INSERT OR IGNORE, so a concurrent duplicate is
// harmless.
func (ix *Indexer) ensureUser(ctx context.Context, did string) error {
	user, err := ix.store.GetUser(ctx, did)
	if err != nil {
		return fmt.Errorf("user lookup: %w", err)
	}
	if user != nil {
		return nil
	}

	now := time.Now().UTC()
	ix.queue.Enqueue(writequeue.Request{
		Table: "users",
		Op:    writequeue.OpInsert,
		Payload: map[string]any{
			"did":          did,
			"handle":       "",
			"display_name": "",
			"avatar_url":   "",
			"remote":       true,
			"created_at":   now,
			"updated_at":   now,
		},
	})
	return nil
}

func (ix *Indexer) recordActivity(kind, did, subjectURI string, at time.Time) {
	ix.queue.Enqueue(writequeue.Request{
		Table: "activity",
		Op:    writequeue.OpInsert,
		Payload: map[string]any{
			"type":        kind,
			"did":         did,
			"subject_uri": subjectURI,
			"created_at":  at,
		},
	})
}

// RefreshIdentity updates the stored profile fields for a DID announced on
// an identity frame. DIDs never indexed locally are ignored. When the frame
// carries no handle, the DID document is resolved for it, and the public
// API is asked for display fields as a best effort on top.
func (ix *Indexer) RefreshIdentity(ctx context.Context, did, handle string) error {
	user, err := ix.store.GetUser(ctx, did)
	if err != nil {
		return fmt.Errorf("user lookup: %w", err)
	}
	if user == nil {
		return nil
	}

	payload := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if handle == "" && ix.profiles != nil {
		if ix.limiter != nil {
			if err := ix.limiter.Acquire(ctx, 1); err != nil {
				return err
			}
		}
		ident, err := ix.profiles.ResolveIdentity(ctx, did)
		if err != nil {
			return fmt.Errorf("resolve identity %s: %w", did, err)
		}
		handle = ident.Handle

		profile, err := ix.profiles.GetProfile(ctx, did)
		if err != nil {
			// The DID document already gave us the handle; missing
			// display fields are not worth failing the refresh over.
			log.Debug().Err(err).Str("did", did).Msg("firehose: profile hydration failed")
		} else {
			if handle == "" {
				handle = profile.Handle
			}
			if profile.DisplayName != nil {
				payload["display_name"] = *profile.DisplayName
			}
			if profile.Avatar != nil {
				payload["avatar_url"] = *profile.Avatar
			}
			// A hydrated profile upgrades the row from a bare placeholder.
			payload["remote"] = false
		}
	}
	if handle != "" {
		payload["handle"] = handle
	}
	if len(payload) == 1 {
		// Nothing beyond the timestamp to write.
		return nil
	}

	ix.queue.Enqueue(writequeue.Request{
		Table:   "users",
		Op:      writequeue.OpUpdate,
		Key:     did,
		Payload: payload,
	})
	log.Debug().Str("did", did).Str("handle", handle).Msg("firehose: refreshed identity")
	return nil
}

func tableForCollection(collection string) (string, bool) {
	switch collection {
	case atproto.NSIDBookshelf:
		return "bookshelves", true
	case atproto.NSIDBook:
		return "books", true
	case atproto.NSIDComment:
		return "comments", true
	}
	return "", false
}
