package firehose

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmark/internal/atproto"
	"shelfmark/internal/store"
	"shelfmark/internal/writequeue"
)

type consumerHarness struct {
	consumer *Consumer
	store    *store.Store
	cursors  *store.CursorStore
}

func newConsumerHarness(t *testing.T, cfg *Config) *consumerHarness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { st.Close() })

	cursors, err := store.OpenCursor(filepath.Join(dir, "cursor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cursors.Close() })

	queue := writequeue.New(st, writequeue.Config{
		BatchSize:     50,
		FlushInterval: 5 * time.Millisecond,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		Retryable:     store.IsBusy,
	})
	queue.Start()
	t.Cleanup(func() { queue.Close() })

	if cfg == nil {
		cfg = DefaultConfig()
	}
	ext := NewExtractor(st, cfg.Collections, nil, nil)
	ix := NewIndexer(st, queue, nil, nil)
	c := NewConsumer(cfg, ext, ix, cursors, st, nil)
	c.baseBackoff = 5 * time.Millisecond

	return &consumerHarness{consumer: c, store: st, cursors: cursors}
}

// encodeFrame serializes a header and typed body into one wire frame.
func encodeFrame(t *testing.T, msgType string, body interface{ MarshalCBOR(io.Writer) error }) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: msgType}
	require.NoError(t, header.MarshalCBOR(&buf))
	require.NoError(t, body.MarshalCBOR(&buf))
	return buf.Bytes()
}

func TestProcessMessage_CommitIndexes(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ctx := context.Background()

	blocks, cids := buildCAR(t, shelfRecord("SciFi"))
	commit := testCommit("did:plc:abc", 4001, blocks,
		createOp(atproto.NSIDBookshelf+"/tid123", cids[0]))
	frame := encodeFrame(t, "#commit", commit)

	require.NoError(t, h.consumer.processMessage(ctx, frame))

	uri := "at://did:plc:abc/social.shelfmark.alpha.bookshelf/tid123"
	waitForRow(t, func() bool {
		shelf, _ := h.store.GetBookshelfByURI(ctx, uri)
		return shelf != nil
	}, "commit frame should index the bookshelf")

	assert.Equal(t, int64(4001), h.consumer.Cursor())
	persisted, err := h.cursors.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(4001), persisted, "cursor persists synchronously per message")
}

func TestProcessMessage_IdentityRefreshesHandle(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ctx := context.Background()

	seedUser(t, h.store, "did:plc:abc")

	handle := "reader.bsky.social"
	ident := &comatproto.SyncSubscribeRepos_Identity{
		Did:    "did:plc:abc",
		Handle: &handle,
		Seq:    4002,
		Time:   time.Now().UTC().Format(time.RFC3339),
	}
	frame := encodeFrame(t, "#identity", ident)

	require.NoError(t, h.consumer.processMessage(ctx, frame))

	waitForRow(t, func() bool {
		user, _ := h.store.GetUser(ctx, "did:plc:abc")
		return user != nil && user.Handle == handle
	}, "identity frame should refresh the handle")
	assert.Equal(t, int64(4002), h.consumer.Cursor())
}

func TestProcessMessage_MalformedFrame(t *testing.T) {
	h := newConsumerHarness(t, nil)

	err := h.consumer.processMessage(context.Background(), []byte{0xff, 0x00, 0x13})
	require.Error(t, err)
	assert.Zero(t, h.consumer.Cursor(), "a frame that never decoded must not advance the cursor")
}

func TestProcessMessage_ErrorFrame(t *testing.T) {
	h := newConsumerHarness(t, nil)

	var buf bytes.Buffer
	header := events.EventHeader{Op: events.EvtKindErrorFrame}
	require.NoError(t, header.MarshalCBOR(&buf))
	ef := events.ErrorFrame{Error: "FutureCursor", Message: "cursor is in the future"}
	require.NoError(t, ef.MarshalCBOR(&buf))

	err := h.consumer.processMessage(context.Background(), buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FutureCursor")
}

func TestProcessMessage_SkipsUnindexedKinds(t *testing.T) {
	h := newConsumerHarness(t, nil)

	// The body is garbage, but kinds we do not index never read it.
	var buf bytes.Buffer
	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#account"}
	require.NoError(t, header.MarshalCBOR(&buf))
	buf.Write([]byte{0xde, 0xad})

	require.NoError(t, h.consumer.processMessage(context.Background(), buf.Bytes()))
	assert.Zero(t, h.consumer.Cursor())
}

type captureMonitor struct {
	mu      sync.Mutex
	beats   []string
	metrics map[string]float64
}

func (m *captureMonitor) Heartbeat(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats = append(m.beats, component)
}

func (m *captureMonitor) LogEvent(string, string, map[string]any) {}

func (m *captureMonitor) RecordMetric(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		m.metrics = make(map[string]float64)
	}
	m.metrics[name] = value
}

func (m *captureMonitor) RecordError(string, error) {}

func (m *captureMonitor) metric(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metrics[name]
	return v, ok
}

func TestRun_HeartbeatReportsStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatEvery = 1
	h := newConsumerHarness(t, cfg)
	mon := &captureMonitor{}
	h.consumer.monitor = mon

	blocks, cids := buildCAR(t, shelfRecord("SciFi"))
	commit := testCommit("did:plc:abc", 4001, blocks,
		createOp(atproto.NSIDBookshelf+"/tid123", cids[0]))
	frame := encodeFrame(t, "#commit", commit)

	testDone := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		<-testDone
	}))
	t.Cleanup(srv.Close)

	h.consumer.config.RelayHost = "ws" + strings.TrimPrefix(srv.URL, "http")

	runErr := make(chan error, 1)
	go func() { runErr <- h.consumer.Run(context.Background()) }()
	t.Cleanup(func() {
		h.consumer.Stop()
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
		close(testDone)
	})

	waitForRow(t, func() bool {
		_, ok := mon.metric("firehose_messages_received")
		return ok
	}, "every frame should report stats at heartbeat interval 1")

	got, _ := mon.metric("firehose_messages_received")
	assert.Equal(t, float64(1), got)
	bytesGot, ok := mon.metric("firehose_bytes_received")
	require.True(t, ok)
	assert.Equal(t, float64(len(frame)), bytesGot)

	mon.mu.Lock()
	beats := append([]string(nil), mon.beats...)
	mon.mu.Unlock()
	assert.Contains(t, beats, "firehose")
}

func TestSubscribeURL(t *testing.T) {
	h := newConsumerHarness(t, nil)

	u, err := h.consumer.subscribeURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos", u)

	h.consumer.cursor.Store(42)
	u, err = h.consumer.subscribeURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos?cursor=42", u)
}

func TestRun_ReconnectBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReconnects = 3
	h := newConsumerHarness(t, cfg)

	var dials atomic.Int64
	h.consumer.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	err := h.consumer.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconnectsExhausted)
	assert.Equal(t, int64(3), dials.Load())

	status, err := h.store.GetProcessStatus(context.Background(), "firehose")
	require.NoError(t, err)
	require.NotNil(t, status, "a fatal exit records process status")
	assert.Equal(t, "fatal", status.Status)
	assert.Contains(t, status.Detail, "connection refused")
}

func TestRun_ContextCancelStops(t *testing.T) {
	h := newConsumerHarness(t, nil)
	h.consumer.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.consumer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		assert.NoError(t, err, "cancellation is a clean stop, not a failure")
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on context cancel")
	}
}

// TestConsumerEndToEnd drives the full pipeline over a real WebSocket: one
// commit indexed on the first session, then the same commit replayed on a
// resumed session to prove idempotence, with the resume cursor checked on
// the wire.
func TestConsumerEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReconnects = 1000
	h := newConsumerHarness(t, cfg)
	ctx := context.Background()

	blocks, cids := buildCAR(t, shelfRecord("SciFi"))
	commit := testCommit("did:plc:abc", 4001, blocks,
		createOp(atproto.NSIDBookshelf+"/tid123", cids[0]))
	frame := encodeFrame(t, "#commit", commit)

	var (
		sessions    atomic.Int64
		replayGate  = make(chan struct{})
		testDone    = make(chan struct{})
		resumeQuery atomic.Value
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, subscribePath, r.URL.Path)
		n := sessions.Add(1)
		if n == 2 {
			resumeQuery.Store(r.URL.Query().Get("cursor"))
			<-replayGate
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if n <= 2 {
			// Deliver the commit, then drop the connection.
			_ = conn.WriteMessage(websocket.BinaryMessage, frame)
			return
		}
		<-testDone
	}))
	t.Cleanup(srv.Close)

	h.consumer.config.RelayHost = "ws" + strings.TrimPrefix(srv.URL, "http")

	runErr := make(chan error, 1)
	go func() { runErr <- h.consumer.Run(ctx) }()
	t.Cleanup(func() {
		h.consumer.Stop()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
		close(testDone)
	})

	uri := "at://did:plc:abc/social.shelfmark.alpha.bookshelf/tid123"
	waitForRow(t, func() bool {
		shelf, _ := h.store.GetBookshelfByURI(ctx, uri)
		return shelf != nil
	}, "first session should index the bookshelf")

	shelf, err := h.store.GetBookshelfByURI(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "SciFi", shelf.Name)
	assert.Equal(t, "public", shelf.Privacy)

	// Let the second session replay the same commit.
	close(replayGate)
	waitForRow(t, func() bool {
		return sessions.Load() >= 3
	}, "replay session should complete")

	count, err := h.store.CountRows(ctx, "bookshelves")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "replay keeps exactly one row")

	activity, err := h.store.ListRecentActivity(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, activity, 1, "replay adds no duplicate activity")

	assert.Equal(t, "4001", resumeQuery.Load(), "reconnect resumes from the stored cursor")

	persisted, err := h.cursors.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(4001), persisted)

	user, err := h.store.GetUser(ctx, "did:plc:abc")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.Remote)
}
