// Package stream owns the resilient ledger WebSocket connection: gated
// startup, dynamic (re)subscription and exponential-backoff reconnects.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/xrpl"
)

// EventHandler consumes every inbound transaction notification. Invoked
// from a single goroutine, so per-event side effects stay sequential.
type EventHandler interface {
	Apply(ctx context.Context, msg *xrpl.TransactionMessage)
}

// PairProvider reloads the tracked-pair set for subscription diffing.
type PairProvider interface {
	Reload(ctx context.Context) ([]domain.Pair, error)
}

// Config tunes the connection manager.
type Config struct {
	URL             string
	RefreshInterval time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	EventBuffer     int
}

const (
	defaultRefreshInterval = time.Minute
	defaultReconnectMin    = time.Second
	defaultReconnectMax    = 30 * time.Second
	defaultEventBuffer     = 256

	requestTimeout = 10 * time.Second
)

func (c *Config) fillDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
}

// Manager drives one streaming connection through the
// Disconnected -> Connecting -> Subscribing -> Live cycle.
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	pairs   PairProvider
	handler EventHandler
	state   *domain.ProcessState

	events chan *xrpl.TransactionMessage

	mu      sync.Mutex
	pending map[int64]chan *xrpl.CommandResponse
	nextID  int64
}

// New creates a manager. Run must not be called until backfill has
// completed and the process state gate is cleared.
func New(logger *zap.Logger, cfg Config, pairs PairProvider, handler EventHandler, state *domain.ProcessState) *Manager {
	cfg.fillDefaults()
	return &Manager{
		logger:  logger,
		cfg:     cfg,
		pairs:   pairs,
		handler: handler,
		state:   state,
		events:  make(chan *xrpl.TransactionMessage, cfg.EventBuffer),
		pending: make(map[int64]chan *xrpl.CommandResponse),
	}
}

// Run connects, subscribes and dispatches until ctx ends. Every disconnect
// schedules a reconnect with exponentially growing delay, reset once a
// session reaches Live.
func (m *Manager) Run(ctx context.Context) error {
	go m.consume(ctx)

	delay := &backoff.Backoff{
		Min:    m.cfg.ReconnectMin,
		Max:    m.cfg.ReconnectMax,
		Factor: 2,
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.session(ctx, delay)
		m.state.SetStreamLive(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d := delay.Duration()
		m.logger.Warn("ledger stream disconnected, scheduling reconnect",
			zap.Duration("delay", d), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// consume is the single event consumer: normalization, reconciliation and
// aggregation run here, in arrival order.
func (m *Manager) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.events:
			m.handler.Apply(ctx, msg)
		}
	}
}

// session runs one connection lifetime and returns the terminating error.
func (m *Manager) session(ctx context.Context, delay *backoff.Backoff) error {
	m.logger.Info("connecting to ledger stream", zap.String("url", m.cfg.URL))

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial ledger stream")
	}
	defer conn.Close()

	sessionDone := make(chan struct{})
	defer close(sessionDone)

	readErr := make(chan error, 1)
	go m.readLoop(conn, sessionDone, readErr)

	subscribed, err := m.subscribeAll(ctx, conn)
	if err != nil {
		return err
	}

	m.state.SetStreamLive(true)
	delay.Reset()
	m.logger.Info("ledger stream live", zap.Int("books", len(subscribed)))

	refresh := time.NewTicker(m.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-refresh.C:
			m.refreshPairs(ctx, conn, subscribed)
		}
	}
}

// subscribeAll loads the registry and subscribes the transaction stream
// (fatal on failure) plus every tracked book (best effort per pair).
// Returns the set of subscribed pair keys.
func (m *Manager) subscribeAll(ctx context.Context, conn *websocket.Conn) (map[string]struct{}, error) {
	pairs, err := m.pairs.Reload(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load tracked pairs")
	}

	if err := m.subscribeTransactions(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "subscribe transaction stream")
	}

	subscribed := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		if err := m.subscribeBook(ctx, conn, pair); err != nil {
			m.logger.Warn("order book subscription failed", zap.String("pair", pair.String()), zap.Error(err))
			continue
		}
		subscribed[pair.Key()] = struct{}{}
	}
	return subscribed, nil
}

// refreshPairs diffs the registry against current subscriptions and
// subscribes newcomers. Removed pairs keep their subscription until the
// next reconnect; the staleness is accepted.
func (m *Manager) refreshPairs(ctx context.Context, conn *websocket.Conn, subscribed map[string]struct{}) {
	pairs, err := m.pairs.Reload(ctx)
	if err != nil {
		m.logger.Warn("tracked pair refresh failed", zap.Error(err))
		return
	}
	for _, pair := range pairs {
		if _, ok := subscribed[pair.Key()]; ok {
			continue
		}
		if err := m.subscribeBook(ctx, conn, pair); err != nil {
			m.logger.Warn("order book subscription failed", zap.String("pair", pair.String()), zap.Error(err))
			continue
		}
		m.logger.Info("subscribed to new tracked pair", zap.String("pair", pair.String()))
		subscribed[pair.Key()] = struct{}{}
	}
}

func (m *Manager) subscribeTransactions(ctx context.Context, conn *websocket.Conn) error {
	resp, err := m.request(ctx, conn, &xrpl.SubscribeRequest{
		Command: "subscribe",
		Streams: []string{"transactions"},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.Errorf("subscribe rejected: %s", resp.ErrorMessage)
	}
	return nil
}

func (m *Manager) subscribeBook(ctx context.Context, conn *websocket.Conn, pair domain.Pair) error {
	resp, err := m.request(ctx, conn, &xrpl.SubscribeRequest{
		Command: "subscribe",
		Books: []xrpl.BookDescriptor{{
			TakerGets: xrpl.LedgerCurrencyFor(pair.TakerGets),
			TakerPays: xrpl.LedgerCurrencyFor(pair.TakerPays),
			Snapshot:  true,
			Both:      true,
		}},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.Errorf("subscribe rejected: %s", resp.ErrorMessage)
	}
	m.logBookSnapshot(pair, resp.Result)
	return nil
}

// logBookSnapshot reports the size of the initial snapshot delivered with a
// book subscription response.
func (m *Manager) logBookSnapshot(pair domain.Pair, result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var snapshot struct {
		Bids []json.RawMessage `json:"bids"`
		Asks []json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(result, &snapshot); err != nil {
		return
	}
	if len(snapshot.Bids) > 0 || len(snapshot.Asks) > 0 {
		m.logger.Info("initial order book snapshot",
			zap.String("pair", pair.String()),
			zap.Int("bids", len(snapshot.Bids)), zap.Int("asks", len(snapshot.Asks)))
	}
}

// request sends one command and waits for the correlated response.
func (m *Manager) request(ctx context.Context, conn *websocket.Conn, req *xrpl.SubscribeRequest) (*xrpl.CommandResponse, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	ch := make(chan *xrpl.CommandResponse, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	req.ID = id
	if err := conn.WriteJSON(req); err != nil {
		return nil, errors.Wrap(err, "write subscribe command")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	case <-time.After(requestTimeout):
		return nil, errors.Errorf("timed out waiting for response to request %d", id)
	}
}

// readLoop routes inbound frames: command responses to their waiters,
// transaction notifications to the bounded event channel. It exits, with
// the cause, on the first read failure, or silently once the session ends
// so a full event buffer cannot strand it.
func (m *Manager) readLoop(conn *websocket.Conn, sessionDone <-chan struct{}, done chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}

		var envelope xrpl.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			m.logger.Debug("dropping unparseable frame", zap.Error(err))
			continue
		}

		if envelope.ID != nil {
			var resp xrpl.CommandResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				m.logger.Warn("dropping unparseable command response", zap.Error(err))
				continue
			}
			m.mu.Lock()
			ch, ok := m.pending[resp.ID]
			m.mu.Unlock()
			if ok {
				ch <- &resp
			}
			continue
		}

		switch envelope.Type {
		case "transaction":
			var msg xrpl.TransactionMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				m.logger.Warn("dropping unparseable transaction", zap.Error(err))
				continue
			}
			select {
			case m.events <- &msg:
			case <-sessionDone:
				return
			}
		case "ledgerClosed":
			m.logger.Debug("ledger closed")
		default:
			// Other stream chatter is irrelevant here.
		}
	}
}
