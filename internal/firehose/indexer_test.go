package firehose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmark/internal/atproto"
	"shelfmark/internal/lexicons"
	"shelfmark/internal/models"
	"shelfmark/internal/store"
	"shelfmark/internal/writequeue"
)

// testIndexer wires a real store and write queue with a fast flush so
// assertions can poll for visibility.
func testIndexer(t *testing.T, profiles ProfileSource) (*Indexer, *store.Store) {
	t.Helper()
	st := testStore(t)
	queue := writequeue.New(st, writequeue.Config{
		BatchSize:     50,
		FlushInterval: 5 * time.Millisecond,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		Retryable:     store.IsBusy,
	})
	queue.Start()
	t.Cleanup(func() { queue.Close() })
	return NewIndexer(st, queue, profiles, nil), st
}

func waitForRow(t *testing.T, check func() bool, msg string) {
	t.Helper()
	require.Eventually(t, check, 2*time.Second, 5*time.Millisecond, msg)
}

func shelfEvent(did, rkey, name string) RecordEvent {
	return RecordEvent{
		Action:     "create",
		DID:        did,
		Collection: atproto.NSIDBookshelf,
		RKey:       rkey,
		URI:        atproto.BuildATURI(did, atproto.NSIDBookshelf, rkey),
		Seq:        1,
		Record: lexicons.Bookshelf{
			Name:      name,
			Privacy:   "public",
			CreatedAt: time.Now().UTC(),
		},
	}
}

func TestIndex_CreateBookshelf(t *testing.T) {
	ix, st := testIndexer(t, nil)
	ctx := context.Background()

	ev := shelfEvent("did:plc:abc", "tid123", "SciFi")
	require.NoError(t, ix.Index(ctx, ev))

	waitForRow(t, func() bool {
		shelf, _ := st.GetBookshelfByURI(ctx, ev.URI)
		return shelf != nil
	}, "bookshelf row should appear")

	shelf, err := st.GetBookshelfByURI(ctx, ev.URI)
	require.NoError(t, err)
	assert.Equal(t, "SciFi", shelf.Name)
	assert.Equal(t, "public", shelf.Privacy)
	assert.Equal(t, "did:plc:abc", shelf.DID)

	// A placeholder user row is created alongside.
	user, err := st.GetUser(ctx, "did:plc:abc")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.Remote)

	// And the creation lands in the activity log.
	activity, err := st.ListRecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, models.ActivityBookshelfCreated, activity[0].Type)
	assert.Equal(t, ev.URI, activity[0].SubjectURI)
}

func TestIndex_ReplayKeepsOneRow(t *testing.T) {
	ix, st := testIndexer(t, nil)
	ctx := context.Background()

	ev := shelfEvent("did:plc:abc", "tid123", "SciFi")
	require.NoError(t, ix.Index(ctx, ev))
	waitForRow(t, func() bool {
		shelf, _ := st.GetBookshelfByURI(ctx, ev.URI)
		return shelf != nil
	}, "first delivery should index")

	// Same commit delivered again, e.g. after a cursor rewind.
	require.NoError(t, ix.Index(ctx, ev))
	time.Sleep(50 * time.Millisecond)

	count, err := st.CountRows(ctx, "bookshelves")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "replay must not duplicate the row")

	activity, err := st.ListRecentActivity(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, activity, 1, "replay must not duplicate the activity entry")
}

func TestIndex_UpdateKeepsCreatedAt(t *testing.T) {
	ix, st := testIndexer(t, nil)
	ctx := context.Background()

	ev := shelfEvent("did:plc:abc", "tid123", "SciFi")
	require.NoError(t, ix.Index(ctx, ev))
	waitForRow(t, func() bool {
		shelf, _ := st.GetBookshelfByURI(ctx, ev.URI)
		return shelf != nil
	}, "create should index")

	before, err := st.GetBookshelfByURI(ctx, ev.URI)
	require.NoError(t, err)

	renamed := ev
	renamed.Action = "update"
	renamed.Record = lexicons.Bookshelf{
		Name:      "Science Fiction",
		Privacy:   "friends",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ix.Index(ctx, renamed))

	waitForRow(t, func() bool {
		shelf, _ := st.GetBookshelfByURI(ctx, ev.URI)
		return shelf != nil && shelf.Name == "Science Fiction"
	}, "update should rename")

	after, err := st.GetBookshelfByURI(ctx, ev.URI)
	require.NoError(t, err)
	assert.Equal(t, "friends", after.Privacy)
	assert.Equal(t, before.CreatedAt, after.CreatedAt, "updates never touch created_at")
}

func TestIndex_BookAndComment(t *testing.T) {
	ix, st := testIndexer(t, nil)
	ctx := context.Background()

	shelfURI := "at://did:plc:abc/social.shelfmark.alpha.bookshelf/shelf1"
	seedShelf(t, st, shelfURI, "did:plc:abc")

	bookEv := RecordEvent{
		Action:     "create",
		DID:        "did:plc:abc",
		Collection: atproto.NSIDBook,
		RKey:       "book1",
		URI:        atproto.BuildATURI("did:plc:abc", atproto.NSIDBook, "book1"),
		Record: lexicons.Book{
			Title:     "Dune",
			Authors:   []string{"Frank Herbert"},
			ISBN:      "9780441013593",
			ShelfURI:  shelfURI,
			CreatedAt: time.Now().UTC(),
		},
	}
	require.NoError(t, ix.Index(ctx, bookEv))

	commentEv := RecordEvent{
		Action:     "create",
		DID:        "did:plc:friend",
		Collection: atproto.NSIDComment,
		RKey:       "c1",
		URI:        atproto.BuildATURI("did:plc:friend", atproto.NSIDComment, "c1"),
		Record: lexicons.Comment{
			SubjectURI: shelfURI,
			Text:       "Great shelf",
			CreatedAt:  time.Now().UTC(),
		},
	}
	require.NoError(t, ix.Index(ctx, commentEv))

	waitForRow(t, func() bool {
		book, _ := st.GetBookByURI(ctx, bookEv.URI)
		comment, _ := st.GetCommentByURI(ctx, commentEv.URI)
		return book != nil && comment != nil
	}, "book and comment rows should appear")

	book, err := st.GetBookByURI(ctx, bookEv.URI)
	require.NoError(t, err)
	assert.Equal(t, []string{"Frank Herbert"}, book.Authors)
	assert.Equal(t, shelfURI, book.ShelfURI)

	comments, err := st.ListCommentsBySubject(ctx, shelfURI)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Great shelf", comments[0].Text)

	// Both creators got placeholder user rows.
	for _, did := range []string{"did:plc:abc", "did:plc:friend"} {
		user, err := st.GetUser(ctx, did)
		require.NoError(t, err)
		assert.NotNil(t, user, "user %s should exist", did)
	}
}

func TestIndex_Delete(t *testing.T) {
	ix, st := testIndexer(t, nil)
	ctx := context.Background()

	ev := shelfEvent("did:plc:abc", "tid123", "SciFi")
	require.NoError(t, ix.Index(ctx, ev))
	waitForRow(t, func() bool {
		shelf, _ := st.GetBookshelfByURI(ctx, ev.URI)
		return shelf != nil
	}, "create should index")

	del := RecordEvent{
		Action:     "delete",
		DID:        ev.DID,
		Collection: ev.Collection,
		RKey:       ev.RKey,
		URI:        ev.URI,
	}
	require.NoError(t, ix.Index(ctx, del))

	waitForRow(t, func() bool {
		shelf, _ := st.GetBookshelfByURI(ctx, ev.URI)
		return shelf == nil
	}, "delete should remove the row")
}

func TestIndex_InvalidRecordRejected(t *testing.T) {
	ix, st := testIndexer(t, nil)
	ctx := context.Background()

	ev := shelfEvent("did:plc:abc", "tid123", strings.Repeat("x", models.MaxNameLength+1))
	err := ix.Index(ctx, ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNameTooLong)

	time.Sleep(20 * time.Millisecond)
	count, err := st.CountRows(ctx, "bookshelves")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIndex_UnknownAction(t *testing.T) {
	ix, _ := testIndexer(t, nil)

	err := ix.Index(context.Background(), RecordEvent{Action: "truncate", URI: "at://x/y/z"})
	if err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}

type fakeProfileSource struct {
	identity *atproto.Identity
	profile  *atproto.Profile
	identErr error
	err      error

	resolves int
	calls    int
}

func (f *fakeProfileSource) ResolveIdentity(ctx context.Context, did string) (*atproto.Identity, error) {
	f.resolves++
	if f.identErr != nil {
		return nil, f.identErr
	}
	if f.identity != nil {
		return f.identity, nil
	}
	return &atproto.Identity{DID: did}, nil
}

func (f *fakeProfileSource) GetProfile(ctx context.Context, actor string) (*atproto.Profile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

func seedUser(t *testing.T, st *store.Store, did string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.Insert(context.Background(), "users", map[string]any{
		"did":        did,
		"handle":     "",
		"remote":     true,
		"created_at": now,
		"updated_at": now,
	}))
}

func TestRefreshIdentity_UnknownDIDIgnored(t *testing.T) {
	profiles := &fakeProfileSource{}
	ix, st := testIndexer(t, profiles)
	ctx := context.Background()

	require.NoError(t, ix.RefreshIdentity(ctx, "did:plc:stranger", "stranger.bsky.social"))

	time.Sleep(20 * time.Millisecond)
	user, err := st.GetUser(ctx, "did:plc:stranger")
	require.NoError(t, err)
	assert.Nil(t, user, "identity frames for unknown DIDs do nothing")
	assert.Zero(t, profiles.calls)
}

func TestRefreshIdentity_FrameHandle(t *testing.T) {
	profiles := &fakeProfileSource{}
	ix, st := testIndexer(t, profiles)
	ctx := context.Background()

	seedUser(t, st, "did:plc:abc")
	require.NoError(t, ix.RefreshIdentity(ctx, "did:plc:abc", "reader.bsky.social"))

	waitForRow(t, func() bool {
		user, _ := st.GetUser(ctx, "did:plc:abc")
		return user != nil && user.Handle == "reader.bsky.social"
	}, "handle should update")
	assert.Zero(t, profiles.calls, "frames that carry the handle skip resolution")
}

func TestRefreshIdentity_ResolvesMissingHandle(t *testing.T) {
	display := "Avid Reader"
	avatar := "https://cdn.example.com/avatar.jpg"
	profiles := &fakeProfileSource{
		identity: &atproto.Identity{
			DID:         "did:plc:abc",
			Handle:      "reader.bsky.social",
			PDSEndpoint: "https://pds.example.com",
		},
		profile: &atproto.Profile{
			DID:         "did:plc:abc",
			Handle:      "reader.bsky.social",
			DisplayName: &display,
			Avatar:      &avatar,
		},
	}
	ix, st := testIndexer(t, profiles)
	ctx := context.Background()

	seedUser(t, st, "did:plc:abc")
	require.NoError(t, ix.RefreshIdentity(ctx, "did:plc:abc", ""))

	waitForRow(t, func() bool {
		user, _ := st.GetUser(ctx, "did:plc:abc")
		return user != nil && user.Handle == "reader.bsky.social"
	}, "resolved handle should be written")

	user, err := st.GetUser(ctx, "did:plc:abc")
	require.NoError(t, err)
	assert.Equal(t, "Avid Reader", user.DisplayName)
	assert.Equal(t, avatar, user.AvatarURL)
	assert.False(t, user.Remote, "a hydrated profile is no longer a placeholder")
	assert.Equal(t, 1, profiles.resolves, "the DID document is resolved for the handle")
	assert.Equal(t, 1, profiles.calls)
}

func TestRefreshIdentity_ProfileFailureKeepsHandle(t *testing.T) {
	profiles := &fakeProfileSource{
		identity: &atproto.Identity{
			DID:         "did:plc:abc",
			Handle:      "reader.bsky.social",
			PDSEndpoint: "https://pds.example.com",
		},
		err: errors.New("appview down"),
	}
	ix, st := testIndexer(t, profiles)
	ctx := context.Background()

	seedUser(t, st, "did:plc:abc")
	require.NoError(t, ix.RefreshIdentity(ctx, "did:plc:abc", ""),
		"a failed profile hydration is not a refresh failure")

	waitForRow(t, func() bool {
		user, _ := st.GetUser(ctx, "did:plc:abc")
		return user != nil && user.Handle == "reader.bsky.social"
	}, "the DID document's handle is written anyway")

	user, err := st.GetUser(ctx, "did:plc:abc")
	require.NoError(t, err)
	assert.True(t, user.Remote, "without a profile the row stays a placeholder")
}

func TestRefreshIdentity_ResolveFailureSurfaces(t *testing.T) {
	profiles := &fakeProfileSource{identErr: errors.New("plc unavailable")}
	ix, st := testIndexer(t, profiles)
	ctx := context.Background()

	seedUser(t, st, "did:plc:abc")
	err := ix.RefreshIdentity(ctx, "did:plc:abc", "")
	require.Error(t, err)
	assert.Zero(t, profiles.calls, "no profile fetch without an identity")

	user, uerr := st.GetUser(ctx, "did:plc:abc")
	require.NoError(t, uerr)
	assert.Empty(t, user.Handle)
}
