package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skybridge-dev/skybridge/internal/protocol"
)

// mockRelay is a test WebSocket server that speaks the relay handshake
// and hands authenticated sockets plus inbound frames to the test.
type mockRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	rejectAuth bool
	// silentAuth accepts the auth frame but never answers it.
	silentAuth bool

	connCh chan *websocket.Conn
	frames chan protocol.Frame
}

func newMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	m := &mockRelay{
		t:      t,
		connCh: make(chan *websocket.Conn, 4),
		frames: make(chan protocol.Frame, 64),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockRelay) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteJSON(protocol.Frame{Type: protocol.TypeAuthRequired})

	var auth protocol.Frame
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != protocol.TypeAuth {
		conn.Close()
		return
	}
	if m.rejectAuth {
		conn.WriteJSON(protocol.AuthError("bad secret"))
		conn.Close()
		return
	}
	if m.silentAuth {
		// Keep the socket open without an auth verdict so the client's
		// handshake deadline is the only thing that can end the wait.
		for {
			var f protocol.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
		}
	}
	conn.WriteJSON(protocol.Frame{Type: protocol.TypeAuthSuccess, InstanceID: "i1"})
	m.connCh <- conn

	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		m.frames <- f
	}
}

// url returns the relay base URL without an instance path; the client
// appends its own.
func (m *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// conn waits for the next authenticated server-side socket.
func (m *mockRelay) conn() *websocket.Conn {
	m.t.Helper()
	select {
	case c := <-m.connCh:
		return c
	case <-time.After(2 * time.Second):
		m.t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// frame waits for the next inbound frame from the client.
func (m *mockRelay) frame() protocol.Frame {
	m.t.Helper()
	select {
	case f := <-m.frames:
		return f
	case <-time.After(2 * time.Second):
		m.t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func testConfig(m *mockRelay) Config {
	return Config{
		RelayURL:          m.url(),
		InstanceID:        "i1",
		InstanceSecret:    "s1",
		ConnectTimeout:    2 * time.Second,
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestConnectAndAuthenticate(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.ConnectionState(); got != StateConnected {
		t.Errorf("state = %q, want connected", got)
	}
	relay.conn()

	// Second connect is a no-op; the relay must not see a new socket.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
	select {
	case <-relay.connCh:
		t.Error("repeat connect opened a second socket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectTimeout(t *testing.T) {
	relay := newMockRelay(t)
	relay.silentAuth = true
	cfg := testConfig(relay)
	cfg.ConnectTimeout = 100 * time.Millisecond
	c := New(cfg)

	start := time.Now()
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("err = %v, want %v", err, ErrConnectTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("connect failed after %v, want roughly the 100ms window", elapsed)
	}
	if got := c.ConnectionState(); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
}

func TestConnectAuthRejected(t *testing.T) {
	relay := newMockRelay(t)
	relay.rejectAuth = true
	c := New(testConfig(relay))

	err := c.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth failed") {
		t.Fatalf("connect err = %v, want auth failure", err)
	}
	if got := c.ConnectionState(); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	go func() {
		f := relay.frame()
		conn.WriteJSON(protocol.Frame{
			Type:   protocol.TypeCDPResult,
			ID:     f.ID,
			Result: []byte(`{"frameId":"top"}`),
		})
	}()

	res, err := c.SendCDPCommand(context.Background(), "Page.navigate", map[string]any{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	var payload struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(res, &payload); err != nil || payload.FrameID != "top" {
		t.Errorf("result = %s (err %v)", res, err)
	}
}

func TestConcurrentCommandCorrelation(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	const n = 5

	// Answer out of order: collect all commands first, reply newest
	// first, each result echoing the method it answers.
	go func() {
		got := make([]protocol.Frame, 0, n)
		for i := 0; i < n; i++ {
			got = append(got, relay.frame())
		}
		for i := n - 1; i >= 0; i-- {
			conn.WriteJSON(protocol.Frame{
				Type:   protocol.TypeCDPResult,
				ID:     got[i].ID,
				Result: []byte(fmt.Sprintf(`{"method":%q}`, got[i].Method)),
			})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("Target.cmd%d", i)
			res, err := c.SendCDPCommand(context.Background(), method, nil)
			if err != nil {
				errs <- fmt.Errorf("%s: %w", method, err)
				return
			}
			var echo struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal(res, &echo); err != nil {
				errs <- err
				return
			}
			if echo.Method != method {
				errs <- fmt.Errorf("sent %s, got result for %s", method, echo.Method)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCommandTimeout(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	_, err := c.SendCDPCommand(context.Background(), "Page.navigate", nil, WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want %v", err, ErrCommandTimeout)
	}

	// The timed-out entry must not poison later commands.
	go func() {
		relay.frame() // the timed-out command
		f := relay.frame()
		conn.WriteJSON(protocol.Frame{Type: protocol.TypeCDPResult, ID: f.ID, Result: []byte(`{}`)})
	}()
	if _, err := c.SendCDPCommand(context.Background(), "Runtime.evaluate", nil); err != nil {
		t.Fatalf("follow-up command: %v", err)
	}
}

func TestCDPErrorFrame(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	go func() {
		f := relay.frame()
		conn.WriteJSON(protocol.CDPError(f.ID, "extension not connected"))
	}()

	_, err := c.SendCDPCommand(context.Background(), "Page.navigate", nil)
	if err == nil || !strings.Contains(err.Error(), "extension not connected") {
		t.Fatalf("err = %v, want extension not connected", err)
	}
}

func TestErrorFrameFailsAllPending(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := c.SendCDPCommand(context.Background(), fmt.Sprintf("Target.cmd%d", i), nil)
			errs <- err
		}(i)
	}
	relay.frame()
	relay.frame()

	conn.WriteJSON(protocol.Frame{Type: protocol.TypeError, Error: "relay shutting down"})

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err == nil || !strings.Contains(err.Error(), "relay error") {
				t.Errorf("err = %v, want relay error", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending command not drained")
		}
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.conn()

	done := make(chan error, 1)
	go func() {
		_, err := c.SendCDPCommand(context.Background(), "Page.navigate", nil)
		done <- err
	}()
	relay.frame()

	c.Disconnect()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("err = %v, want %v", err, ErrConnectionClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not drained on disconnect")
	}
	if got := c.ConnectionState(); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn1 := relay.conn()

	// Server-side drop after a successful auth must trigger reconnect.
	conn1.Close()
	conn2 := relay.conn()

	go func() {
		f := relay.frame()
		conn2.WriteJSON(protocol.Frame{Type: protocol.TypeCDPResult, ID: f.ID, Result: []byte(`{}`)})
	}()
	if _, err := c.SendCDPCommand(context.Background(), "Runtime.evaluate", nil); err != nil {
		t.Fatalf("command after reconnect: %v", err)
	}
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	relay := newMockRelay(t)
	cfg := testConfig(relay)
	cfg.DisableReconnect = true
	c := New(cfg)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.conn().Close()

	select {
	case <-relay.connCh:
		t.Error("client reconnected despite DisableReconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNoReconnectAfterDisconnect(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.conn()

	c.Disconnect()

	select {
	case <-relay.connCh:
		t.Error("client reconnected after explicit Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerPresence(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	if c.IsExtensionConnected() {
		t.Error("extension reported connected before any presence frame")
	}

	conn.WriteJSON(protocol.PeerStatus(true))
	waitFor(t, func() bool { return c.IsExtensionConnected() }, "extension up")

	conn.WriteJSON(protocol.Frame{Type: protocol.TypePeerDisconnected, Role: protocol.RoleExtension})
	waitFor(t, func() bool { return !c.IsExtensionConnected() }, "extension down")
}

func TestEventObserver(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.conn()

	events := make(chan string, 4)
	unsubscribe := c.OnCDPEvent(func(method string, _ json.RawMessage) {
		events <- method
	})

	conn.WriteJSON(protocol.Frame{Type: protocol.TypeCDPEvent, Method: "Page.loadEventFired"})
	select {
	case m := <-events:
		if m != "Page.loadEventFired" {
			t.Errorf("event = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event observer never fired")
	}

	unsubscribe()
	conn.WriteJSON(protocol.Frame{Type: protocol.TypeCDPEvent, Method: "Page.loadEventFired"})
	select {
	case <-events:
		t.Error("observer fired after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMaxPendingLimit(t *testing.T) {
	relay := newMockRelay(t)
	cfg := testConfig(relay)
	cfg.MaxPending = 1
	c := New(cfg)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.conn()

	go c.SendCDPCommand(context.Background(), "Page.navigate", nil)
	relay.frame()

	_, err := c.SendCDPCommand(context.Background(), "Runtime.evaluate", nil)
	if !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("err = %v, want %v", err, ErrTooManyPending)
	}
}

func TestCommandWithoutConnect(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))
	defer c.Disconnect()

	// SendCDPCommand dials lazily when no session exists.
	go func() {
		f := relay.frame()
		relay.conn().WriteJSON(protocol.Frame{Type: protocol.TypeCDPResult, ID: f.ID, Result: []byte(`{}`)})
	}()

	if _, err := c.SendCDPCommand(context.Background(), "Page.enable", nil); err != nil {
		t.Fatalf("lazy connect command: %v", err)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	relay := newMockRelay(t)
	c := New(testConfig(relay))

	c.mu.Lock()
	c.reconnectAttempts = c.cfg.MaxReconnects
	c.mu.Unlock()

	c.scheduleReconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		t.Error("retry scheduled past the attempt cap")
	}
}

func TestBackoffDelay(t *testing.T) {
	const (
		minDelay = time.Second
		maxDelay = 15 * time.Second
	)
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 15 * time.Second},
		{9, 15 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt, minDelay, maxDelay); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
