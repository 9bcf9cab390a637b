package firehose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	"github.com/rs/zerolog/log"

	"shelfmark/internal/atproto"
	"shelfmark/internal/lexicons"
	"shelfmark/internal/metadata"
	"shelfmark/internal/metrics"
	"shelfmark/internal/store"
)

// RecordEvent is one extracted operation from a commit, ready for indexing.
// Record is nil for deletes.
type RecordEvent struct {
	Action     string
	DID        string
	Collection string
	RKey       string
	URI        string
	Seq        int64
	Record     lexicons.Record
}

// ISBNSource looks up book metadata by ISBN. *metadata.Client satisfies it.
type ISBNSource interface {
	GetByISBN(ctx context.Context, isbn string) (*metadata.BookInfo, error)
}

var _ ISBNSource = (*metadata.Client)(nil)

// CoverCache materializes a cover thumbnail on local disk.
// *metadata.CoverStore satisfies it.
type CoverCache interface {
	Ensure(ctx context.Context, coverID int64) (string, error)
}

var _ CoverCache = (*metadata.CoverStore)(nil)

// Extractor turns commit frames into typed record events. The expensive CAR
// decode only happens for commits that touch an allow-listed collection, and
// at most once per commit.
type Extractor struct {
	collections map[string]bool
	store       *store.Store
	books       ISBNSource
	covers      CoverCache

	carDecodes atomic.Int64
}

// NewExtractor creates an extractor filtering for the given collections.
// An empty list means all Shelfmark collections. books may be nil, which
// disables cover enrichment; covers may be nil, which disables thumbnail
// caching.
func NewExtractor(st *store.Store, collections []string, books ISBNSource, covers CoverCache) *Extractor {
	if len(collections) == 0 {
		collections = ShelfmarkCollections
	}
	allowed := make(map[string]bool, len(collections))
	for _, coll := range collections {
		allowed[coll] = true
	}
	return &Extractor{
		collections: allowed,
		store:       st,
		books:       books,
		covers:      covers,
	}
}

// Decodes reports how many CAR archives have been decoded. Commits with no
// matching ops never touch their block bytes.
func (e *Extractor) Decodes() int64 {
	return e.carDecodes.Load()
}

// Extract returns the record events carried by a commit. Ops outside the
// collection allow-list are ignored without decoding the block archive.
// Individual records that fail to decode are logged and dropped; an
// unreadable archive fails the whole commit.
func (e *Extractor) Extract(ctx context.Context, commit *comatproto.SyncSubscribeRepos_Commit) ([]RecordEvent, error) {
	// Phase 1: scan op paths only
	var matched []*comatproto.SyncSubscribeRepos_RepoOp
	for _, op := range commit.Ops {
		collection, _, ok := splitPath(op.Path)
		if !ok || !e.collections[collection] {
			continue
		}
		matched = append(matched, op)
	}
	if len(matched) == 0 {
		metrics.FirehoseFilteredTotal.Inc()
		return nil, nil
	}

	// Phase 2: decode the block archive at most once for the whole commit
	var (
		events []RecordEvent
		blocks map[cid.Cid][]byte
	)
	for _, op := range matched {
		collection, rkey, _ := splitPath(op.Path)
		uri := atproto.BuildATURI(commit.Repo, collection, rkey)

		switch op.Action {
		case "create", "update":
			if blocks == nil {
				var err error
				blocks, err = e.readBlocks(commit.Blocks)
				if err != nil {
					return nil, fmt.Errorf("decode block archive: %w", err)
				}
			}
			if op.Cid == nil {
				log.Warn().Str("uri", uri).Str("action", op.Action).Msg("firehose: op missing record cid")
				continue
			}
			raw, ok := blocks[cid.Cid(*op.Cid)]
			if !ok {
				log.Warn().Str("uri", uri).Msg("firehose: record block missing from archive")
				continue
			}

			rec, err := lexicons.DecodeRecord(collection, raw)
			if err != nil {
				if errors.Is(err, lexicons.ErrTypeMismatch) {
					log.Warn().Err(err).Str("uri", uri).Msg("firehose: dropping mistyped record")
				} else {
					log.Warn().Err(err).Str("uri", uri).Msg("firehose: dropping malformed record")
				}
				continue
			}
			if !e.resolveParent(ctx, rec, uri) {
				continue
			}
			rec = e.enrich(ctx, rec)

			events = append(events, RecordEvent{
				Action:     op.Action,
				DID:        commit.Repo,
				Collection: collection,
				RKey:       rkey,
				URI:        uri,
				Seq:        commit.Seq,
				Record:     rec,
			})

		case "delete":
			events = append(events, RecordEvent{
				Action:     op.Action,
				DID:        commit.Repo,
				Collection: collection,
				RKey:       rkey,
				URI:        uri,
				Seq:        commit.Seq,
			})
		}
	}
	return events, nil
}

// readBlocks parses the commit's CARv1 archive into a CID keyed block map.
func (e *Extractor) readBlocks(data []byte) (map[cid.Cid][]byte, error) {
	e.carDecodes.Add(1)

	cr, err := car.NewCarReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	blocks := make(map[cid.Cid][]byte)
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		blocks[blk.Cid()] = blk.RawData()
	}
	return blocks, nil
}

// resolveParent verifies that the record's parent reference exists in the
// local index. Books need their bookshelf, comments need their subject.
// Records whose parent was never indexed are skipped with a logged reason.
func (e *Extractor) resolveParent(ctx context.Context, rec lexicons.Record, uri string) bool {
	switch r := rec.(type) {
	case lexicons.Book:
		shelf, err := e.store.GetBookshelfByURI(ctx, r.ShelfURI)
		if err != nil {
			log.Warn().Err(err).Str("uri", uri).Msg("firehose: shelf lookup failed")
			return false
		}
		if shelf == nil {
			log.Debug().Str("uri", uri).Str("shelf", r.ShelfURI).Msg("firehose: skipping book with unknown shelf")
			return false
		}
	case lexicons.Comment:
		found, err := e.subjectExists(ctx, r.SubjectURI)
		if err != nil {
			log.Warn().Err(err).Str("uri", uri).Msg("firehose: subject lookup failed")
			return false
		}
		if !found {
			log.Debug().Str("uri", uri).Str("subject", r.SubjectURI).Msg("firehose: skipping comment with unknown subject")
			return false
		}
	}
	return true
}

// subjectExists reports whether a comment subject resolves to an indexed
// bookshelf or book.
func (e *Extractor) subjectExists(ctx context.Context, uri string) (bool, error) {
	_, collection, _, err := atproto.ResolveATURI(uri)
	if err != nil {
		return false, nil
	}
	switch collection {
	case atproto.NSIDBookshelf:
		shelf, err := e.store.GetBookshelfByURI(ctx, uri)
		return shelf != nil, err
	case atproto.NSIDBook:
		book, err := e.store.GetBookByURI(ctx, uri)
		return book != nil, err
	default:
		return false, nil
	}
}

// enrich fills in a book's missing cover from the metadata client. Lookup
// failures log and return the record untouched; enrichment never blocks a
// record from being indexed.
func (e *Extractor) enrich(ctx context.Context, rec lexicons.Record) lexicons.Record {
	book, ok := rec.(lexicons.Book)
	if !ok || e.books == nil || book.ISBN == "" || book.CoverURL != "" {
		return rec
	}

	info, err := e.books.GetByISBN(ctx, book.ISBN)
	if err != nil {
		log.Debug().Err(err).Str("isbn", book.ISBN).Msg("firehose: metadata lookup failed")
		return rec
	}
	if info.CoverURL != "" {
		book.CoverURL = info.CoverURL
	}
	if len(book.Authors) == 0 {
		book.Authors = info.Authors
	}
	if e.covers != nil && info.CoverID > 0 {
		if _, err := e.covers.Ensure(ctx, info.CoverID); err != nil {
			log.Debug().Err(err).Int64("cover_id", info.CoverID).Msg("firehose: cover thumbnail fetch failed")
		}
	}
	return book
}

// splitPath splits an op path into collection and rkey.
func splitPath(path string) (collection, rkey string, ok bool) {
	collection, rkey, ok = strings.Cut(path, "/")
	if !ok || collection == "" || rkey == "" {
		return "", "", false
	}
	return collection, rkey, true
}
