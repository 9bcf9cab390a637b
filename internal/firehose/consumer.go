package firehose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"shelfmark/internal/metrics"
	"shelfmark/internal/monitor"
	"shelfmark/internal/store"
)

const (
	subscribePath    = "/xrpc/com.atproto.sync.subscribeRepos"
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
)

// ErrReconnectsExhausted is returned by Run when the consecutive reconnect
// budget is spent.
var ErrReconnectsExhausted = errors.New("firehose: reconnect budget exhausted")

// StatusWriter records process state for external supervision.
// *store.Store satisfies it.
type StatusWriter interface {
	SetProcessStatus(ctx context.Context, name, status, detail string) error
}

var _ StatusWriter = (*store.Store)(nil)

// DialFunc opens the subscription socket. Tests substitute their own.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

// Consumer subscribes to the relay firehose and drives the extract and
// index path for every commit frame. It owns the resume cursor: the cursor
// is persisted synchronously after each message is handed off, so it never
// moves past a message that was not processed.
type Consumer struct {
	config    *Config
	extractor *Extractor
	indexer   *Indexer
	cursors   *store.CursorStore
	status    StatusWriter
	monitor   monitor.Monitor

	dial        DialFunc
	baseBackoff time.Duration

	// Connection state
	conn   *websocket.Conn
	connMu sync.Mutex

	// Cursor for resume
	cursor atomic.Int64

	// Stats
	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64

	// Control
	connected atomic.Bool
	stopCh    chan struct{}
}

// NewConsumer creates a firehose consumer. mon may be nil.
func NewConsumer(config *Config, extractor *Extractor, indexer *Indexer, cursors *store.CursorStore, status StatusWriter, mon monitor.Monitor) *Consumer {
	if config == nil {
		config = DefaultConfig()
	}
	if mon == nil {
		mon = monitor.Noop{}
	}

	c := &Consumer{
		config:      config,
		extractor:   extractor,
		indexer:     indexer,
		cursors:     cursors,
		status:      status,
		monitor:     mon,
		dial:        defaultDial,
		baseBackoff: time.Second,
		stopCh:      make(chan struct{}),
	}

	if cursor, err := cursors.Get(); err == nil && cursor > 0 {
		c.cursor.Store(cursor)
		metrics.FirehoseCursor.Set(float64(cursor))
		log.Info().Int64("cursor", cursor).Msg("firehose: resuming from stored cursor")
	}

	return c
}

// Stop closes the connection and makes Run return.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// IsConnected returns true if currently connected to the relay
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() (messagesReceived, bytesReceived int64) {
	return c.messagesReceived.Load(), c.bytesReceived.Load()
}

// Cursor returns the last processed sequence number.
func (c *Consumer) Cursor() int64 {
	return c.cursor.Load()
}

// Run consumes the firehose until Stop is called or the context is
// cancelled, reconnecting with exponential backoff. It returns
// ErrReconnectsExhausted after MaxReconnects consecutive failed sessions,
// recording a fatal process status first.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.baseBackoff
	maxBackoff := 30 * c.baseBackoff
	failures := 0

	for {
		received, err := c.connectAndConsume(ctx)
		if err == nil {
			log.Info().Msg("firehose: stop requested, stopping consumer")
			return nil
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("firehose: context cancelled, stopping consumer")
			return nil
		case <-c.stopCh:
			log.Info().Msg("firehose: stop requested, stopping consumer")
			return nil
		default:
		}

		if received > 0 {
			// The session made progress, so the failure streak is broken.
			failures = 0
			backoff = c.baseBackoff
		}
		failures++
		metrics.FirehoseReconnectsTotal.Inc()
		c.monitor.RecordError("firehose", err)
		log.Warn().Err(err).Int("consecutive_failures", failures).Msg("firehose: connection error")

		if c.config.MaxReconnects > 0 && failures >= c.config.MaxReconnects {
			return c.fatal(err, failures)
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("firehose: context cancelled, stopping consumer")
			return nil
		case <-c.stopCh:
			log.Info().Msg("firehose: stop requested, stopping consumer")
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Consumer) fatal(cause error, failures int) error {
	err := fmt.Errorf("%w: %d consecutive failures, last: %v", ErrReconnectsExhausted, failures, cause)
	log.Error().Err(err).Msg("firehose: giving up")
	c.monitor.LogEvent("firehose", "fatal", map[string]any{
		"failures": failures,
		"cause":    cause.Error(),
	})
	if c.status != nil {
		if serr := c.status.SetProcessStatus(context.Background(), "firehose", "fatal", cause.Error()); serr != nil {
			log.Error().Err(serr).Msg("firehose: failed to record process status")
		}
	}
	return err
}

// connectAndConsume runs one subscription session and reports how many
// messages it received. A nil error means Stop was requested.
func (c *Consumer) connectAndConsume(ctx context.Context) (int64, error) {
	wsURL, err := c.subscribeURL()
	if err != nil {
		return 0, fmt.Errorf("build subscribe url: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("firehose: connecting to relay")
	conn, err := c.dial(ctx, wsURL)
	if err != nil {
		return 0, fmt.Errorf("dial relay: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	metrics.FirehoseConnectionState.Set(1)
	c.monitor.LogEvent("firehose", "connected", map[string]any{"relay": c.config.RelayHost})
	log.Info().Str("relay", c.config.RelayHost).Msg("firehose: connected")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.FirehoseConnectionState.Set(0)
	}()

	var received int64
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case <-c.stopCh:
			return received, nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read frame: %w", err)
		}

		received++
		c.messagesReceived.Add(1)
		c.bytesReceived.Add(int64(len(message)))
		metrics.FirehoseMessagesTotal.Inc()

		if err := c.processMessage(ctx, message); err != nil {
			metrics.FirehoseErrorsTotal.Inc()
			log.Warn().Err(err).Msg("firehose: failed to process message")
		}

		if c.config.HeartbeatEvery > 0 && c.messagesReceived.Load()%int64(c.config.HeartbeatEvery) == 0 {
			c.monitor.Heartbeat("firehose")
			c.monitor.RecordMetric("firehose_messages_received", float64(c.messagesReceived.Load()))
			c.monitor.RecordMetric("firehose_bytes_received", float64(c.bytesReceived.Load()))
		}
	}
}

// subscribeURL builds the subscription URL, resuming from the stored
// cursor when there is one.
func (c *Consumer) subscribeURL() (string, error) {
	u, err := url.Parse(c.config.RelayHost)
	if err != nil {
		return "", err
	}
	u.Path = subscribePath
	if cursor := c.cursor.Load(); cursor > 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// processMessage decodes one CBOR frame: a header naming the frame kind,
// then the typed body. Frame kinds this build does not index are skipped
// without decoding their body.
func (c *Consumer) processMessage(ctx context.Context, data []byte) error {
	r := bytes.NewReader(data)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode frame header: %w", err)
	}

	switch header.Op {
	case events.EvtKindMessage:
	case events.EvtKindErrorFrame:
		var body events.ErrorFrame
		if err := body.UnmarshalCBOR(r); err != nil {
			return fmt.Errorf("decode error frame: %w", err)
		}
		return fmt.Errorf("relay error frame: %s: %s", body.Error, body.Message)
	default:
		return fmt.Errorf("unknown frame op %d", header.Op)
	}

	switch header.MsgType {
	case "#commit":
		var commit comatproto.SyncSubscribeRepos_Commit
		if err := commit.UnmarshalCBOR(r); err != nil {
			return fmt.Errorf("decode commit frame: %w", err)
		}
		return c.handleCommit(ctx, &commit)
	case "#identity":
		var ident comatproto.SyncSubscribeRepos_Identity
		if err := ident.UnmarshalCBOR(r); err != nil {
			return fmt.Errorf("decode identity frame: %w", err)
		}
		return c.handleIdentity(ctx, &ident)
	default:
		// #account, #info and future frame kinds carry nothing we index
		return nil
	}
}

func (c *Consumer) handleCommit(ctx context.Context, commit *comatproto.SyncSubscribeRepos_Commit) error {
	extracted, err := c.extractor.Extract(ctx, commit)
	if err != nil {
		// The archive can never decode, so replaying it on restart would
		// not help. Keep the cursor moving.
		c.advanceCursor(commit.Seq)
		return fmt.Errorf("extract %s seq %d: %w", commit.Repo, commit.Seq, err)
	}

	for _, ev := range extracted {
		metrics.FirehoseEventsTotal.WithLabelValues(ev.Collection, ev.Action).Inc()
		log.Debug().
			Str("did", ev.DID).
			Str("collection", ev.Collection).
			Str("action", ev.Action).
			Str("rkey", ev.RKey).
			Msg("firehose: processing event")

		if err := c.indexer.Index(ctx, ev); err != nil {
			log.Warn().Err(err).Str("uri", ev.URI).Msg("firehose: failed to index record")
			continue
		}
		c.monitor.Heartbeat("indexer")
	}

	c.advanceCursor(commit.Seq)
	return nil
}

func (c *Consumer) handleIdentity(ctx context.Context, ident *comatproto.SyncSubscribeRepos_Identity) error {
	metrics.IdentityEventsTotal.Inc()

	handle := ""
	if ident.Handle != nil {
		handle = *ident.Handle
	}
	if err := c.indexer.RefreshIdentity(ctx, ident.Did, handle); err != nil {
		log.Warn().Err(err).Str("did", ident.Did).Msg("firehose: identity refresh failed")
	}

	c.advanceCursor(ident.Seq)
	return nil
}

// advanceCursor persists the last processed sequence number. This runs
// synchronously per message: a crash replays from the last handed-off
// message rather than skipping ahead.
func (c *Consumer) advanceCursor(seq int64) {
	if seq <= 0 {
		return
	}
	c.cursor.Store(seq)
	metrics.FirehoseCursor.Set(float64(seq))
	if err := c.cursors.Set(seq); err != nil {
		log.Warn().Err(err).Int64("seq", seq).Msg("firehose: failed to persist cursor")
	}
}
