package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := make([]domain.EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = nil
	}
}

func (b *testBus) Close() {}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]config.TokenConfig{
		{Token: "buyer-token", AgentID: "buyer-1", Roles: []string{"buyer"}},
		{Token: "seller-token", AgentID: "seller-1", Roles: []string{"seller"}},
	})
}

func startTestServer(t *testing.T, bus domain.EventBus) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", 0, 0, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		if err := srv.Start(ctx); err != nil {
			_ = err
		}
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})

	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func rpcCall(t *testing.T, ws *websocket.Conn, id uint64, method string, payload any) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := wsjson.Write(ctx, ws, Frame{
		Type: FrameTypeRequest, ID: id, Method: method, Payload: data,
	}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	for {
		var resp Frame
		if err := wsjson.Read(ctx, ws, &resp); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if resp.Type == FrameTypeResponse && resp.ID == id {
			return resp
		}
	}
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestServerRPCRoundtrip(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	srv.RegisterHandler("echo", func(_ context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ws := dialWS(t, srv.BoundAddr(), "buyer-token")
	resp := rpcCall(t, ws, 1, "echo", map[string]string{"hello": "world"})

	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["hello"] != "world" {
		t.Errorf("got %v", result)
	}
}

func TestServerIdentityFromToken(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	srv.RegisterHandler("whoami", func(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(client.AgentID)
	})

	ws := dialWS(t, srv.BoundAddr(), "seller-token")
	resp := rpcCall(t, ws, 1, "whoami", nil)

	var agentID string
	if err := json.Unmarshal(resp.Payload, &agentID); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if agentID != "seller-1" {
		t.Errorf("agent id = %q, want seller-1", agentID)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ws := dialWS(t, srv.BoundAddr(), "buyer-token")
	resp := rpcCall(t, ws, 7, "no.such.method", nil)

	if resp.Error == "" {
		t.Fatal("expected error for unknown method")
	}
	if resp.Code != string(domain.CodeNotFound) {
		t.Errorf("code = %q, want %q", resp.Code, domain.CodeNotFound)
	}
}

func TestServerErrorCodePropagation(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	srv.RegisterHandler("fail", func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.NewDomainError("test", domain.ErrInvalidState, "negotiation already accepted")
	})

	ws := dialWS(t, srv.BoundAddr(), "buyer-token")
	resp := rpcCall(t, ws, 2, "fail", nil)

	if resp.Code != string(domain.CodeInvalidState) {
		t.Errorf("code = %q, want %q", resp.Code, domain.CodeInvalidState)
	}
}

func TestServerForwardsEvents(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)

	ws := dialWS(t, srv.BoundAddr(), "buyer-token")

	bus.Publish(context.Background(), domain.Event{
		Type:          domain.EventNegotiationQuoted,
		Timestamp:     time.Now(),
		NegotiationID: "neg-1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	if frame.Type != FrameTypeEvent {
		t.Fatalf("frame type = %q, want event", frame.Type)
	}
	var event domain.Event
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.NegotiationID != "neg-1" {
		t.Errorf("negotiation id = %q", event.NegotiationID)
	}
}

func TestServerRateLimit(t *testing.T) {
	srv := NewServer(&testBus{}, newTestAuth(), "127.0.0.1:0", 1, 2, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)
	for srv.BoundAddr() == "" {
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })

	srv.RegisterHandler("noop", func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	ws := dialWS(t, srv.BoundAddr(), "buyer-token")

	// Burst of 2 allowed, third request is throttled.
	busy := 0
	for i := uint64(1); i <= 3; i++ {
		resp := rpcCall(t, ws, i, "noop", nil)
		if resp.Code == string(domain.CodeBusy) {
			busy++
		}
	}
	if busy != 1 {
		t.Errorf("throttled responses = %d, want 1", busy)
	}
}

func TestStaticTokenAuth(t *testing.T) {
	auth := newTestAuth()

	info, err := auth.Authenticate("buyer-token")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.AgentID != "buyer-1" {
		t.Errorf("agent id = %q", info.AgentID)
	}

	if _, err := auth.Authenticate("wrong"); err == nil {
		t.Error("expected error for invalid token")
	}
}
