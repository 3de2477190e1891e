package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/xrpl"
)

type staticPairs struct {
	pairs []domain.Pair
}

func (s *staticPairs) Reload(_ context.Context) ([]domain.Pair, error) {
	return s.pairs, nil
}

type collectingHandler struct {
	received chan *xrpl.TransactionMessage
}

func (h *collectingHandler) Apply(_ context.Context, msg *xrpl.TransactionMessage) {
	h.received <- msg
}

// ledgerStub speaks just enough of the streaming protocol for the manager:
// it acks subscribe commands and pushes one canned transaction once the
// transaction stream is subscribed.
func ledgerStub(t *testing.T, rejectBooks bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req xrpl.SubscribeRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			status := "success"
			if rejectBooks && len(req.Books) > 0 {
				status = "error"
			}
			resp := map[string]any{"id": req.ID, "type": "response", "status": status, "result": map[string]any{}}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}

			if len(req.Streams) > 0 {
				tx := map[string]any{
					"type": "transaction",
					"transaction": map[string]any{
						"TransactionType": "OfferCreate",
						"Account":         "rMaker",
						"hash":            "TX1",
						"TakerGets":       "1000000",
						"TakerPays":       map[string]string{"currency": "USD", "issuer": "rIssuer", "value": "1"},
					},
					"meta": map[string]any{"AffectedNodes": []any{}},
				}
				if err := conn.WriteJSON(tx); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testPairs() *staticPairs {
	return &staticPairs{pairs: []domain.Pair{{
		TakerGets: domain.Currency{Code: "USD", Issuer: "rIssuer"},
		TakerPays: domain.Currency{Code: domain.XRPCode},
	}}}
}

func TestManagerDeliversTransactions(t *testing.T) {
	srv := ledgerStub(t, false)
	defer srv.Close()

	handler := &collectingHandler{received: make(chan *xrpl.TransactionMessage, 1)}
	state := domain.NewProcessState()
	m := New(zap.NewNop(), Config{URL: wsURL(srv)}, testPairs(), handler, state)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case msg := <-handler.received:
		require.NotNil(t, msg.Body())
		require.Equal(t, "OfferCreate", msg.Body().TransactionType)
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction delivered")
	}
	require.True(t, state.StreamLive())

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	require.False(t, state.StreamLive())
}

func TestBookSubscriptionFailureIsNotFatal(t *testing.T) {
	srv := ledgerStub(t, true)
	defer srv.Close()

	handler := &collectingHandler{received: make(chan *xrpl.TransactionMessage, 1)}
	state := domain.NewProcessState()
	m := New(zap.NewNop(), Config{URL: wsURL(srv)}, testPairs(), handler, state)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// The transaction stream still comes up even with every book rejected.
	select {
	case <-handler.received:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not go live")
	}
	require.True(t, state.StreamLive())
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	srv := ledgerStub(t, false)
	defer srv.Close()

	handler := &collectingHandler{received: make(chan *xrpl.TransactionMessage, 4)}
	state := domain.NewProcessState()
	m := New(zap.NewNop(), Config{
		URL:          wsURL(srv),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, testPairs(), handler, state)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-handler.received:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never delivered")
	}

	// Kill every live connection; the manager must dial again on its own.
	srv.CloseClientConnections()

	select {
	case <-handler.received:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery after reconnect")
	}
}

func TestReadLoopExitsWhenSessionEnds(t *testing.T) {
	// Floods transactions without waiting for subscribes so the event
	// buffer fills with nobody consuming.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		tx := map[string]any{
			"type": "transaction",
			"transaction": map[string]any{
				"TransactionType": "OfferCreate",
				"Account":         "rMaker",
				"hash":            "TX1",
				"TakerGets":       "1000000",
				"TakerPays":       map[string]string{"currency": "USD", "issuer": "rIssuer", "value": "1"},
			},
			"meta": map[string]any{"AffectedNodes": []any{}},
		}
		for i := 0; i < 10; i++ {
			if err := conn.WriteJSON(tx); err != nil {
				return
			}
		}
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	m := New(zap.NewNop(), Config{URL: wsURL(srv), EventBuffer: 1}, testPairs(), nil, domain.NewProcessState())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	sessionDone := make(chan struct{})
	readErr := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		m.readLoop(conn, sessionDone, readErr)
		close(exited)
	}()

	// Wait for the buffer to fill so the loop is stuck on the send.
	require.Eventually(t, func() bool { return len(m.events) == 1 }, 5*time.Second, 10*time.Millisecond)

	close(sessionDone)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop stayed blocked after the session ended")
	}
}

func TestSubscribeRequestMarshalsLedgerEncoding(t *testing.T) {
	req := xrpl.SubscribeRequest{
		ID:      1,
		Command: "subscribe",
		Books: []xrpl.BookDescriptor{{
			TakerGets: xrpl.LedgerCurrencyFor(domain.Currency{Code: "USD", Issuer: "rIssuer"}),
			TakerPays: xrpl.LedgerCurrencyFor(domain.Currency{Code: domain.XRPCode}),
			Snapshot:  true,
			Both:      true,
		}},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	s := string(raw)
	require.Contains(t, s, `"5553440000000000000000000000000000000000"`)
	require.Contains(t, s, `"XRP"`)
	require.NotContains(t, s, `"issuer":""`)
}
