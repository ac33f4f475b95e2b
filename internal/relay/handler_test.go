package relay

import (
	"bufio"
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/jonboulle/clockwork"

	"github.com/dgnsrekt/rclaim/internal/auth"
)

type testRelay struct {
	broker   *Broker
	registry *Registry
	server   *httptest.Server
}

func newTestRelay(t *testing.T, limit int) *testRelay {
	t.Helper()
	broker := NewBroker()
	registry := NewRegistry(DefaultRateWindow, limit, clockwork.NewRealClock())
	handler := NewHandler(auth.New("test_token"), broker, registry)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testRelay{broker: broker, registry: registry, server: server}
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.server.URL, "http")
}

func dialRelay(t *testing.T, tr *testRelay, protocols ...string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := ws.Dialer{Protocols: protocols}
	conn, br, _, err := dialer.Dial(ctx, tr.wsURL())
	if err != nil {
		t.Fatalf("Dial() = %v; want nil", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	// Dial may return server bytes that arrived with the handshake response
	// in br; route reads through it so those frames are not lost.
	if br != nil {
		conn = &bufferedConn{Conn: conn, br: br}
	}
	return &wsClient{t: t, conn: conn}
}

type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

type wsClient struct {
	t    *testing.T
	conn net.Conn
}

func (c *wsClient) readText() string {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		c.t.Fatalf("SetReadDeadline() = %v; want nil", err)
	}
	data, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		c.t.Fatalf("ReadServerText() = %v; want nil", err)
	}
	return string(data)
}

func (c *wsClient) writeText(msg string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(msg)); err != nil {
		c.t.Fatalf("WriteClientText() = %v; want nil", err)
	}
}

func (c *wsClient) readFrame() ws.Frame {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		c.t.Fatalf("SetReadDeadline() = %v; want nil", err)
	}
	frame, err := ws.ReadFrame(c.conn)
	if err != nil {
		c.t.Fatalf("ReadFrame() = %v; want nil", err)
	}
	return frame
}

func waitForSessionCount(t *testing.T, registry *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry session count = %d; want %d", registry.Len(), want)
}

func TestHandshakeRejectsMissingCredential(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, _, err := ws.Dial(ctx, tr.wsURL()); err == nil {
		t.Fatalf("Dial(no credential) = nil; want handshake error")
	}
	if got := tr.registry.Len(); got != 0 {
		t.Fatalf("registry.Len() = %d after rejected handshake; want 0", got)
	}
}

func TestHandshakeRejectsWrongCredential(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := ws.Dialer{Protocols: []string{"token-wrong"}}
	if _, _, _, err := dialer.Dial(ctx, tr.wsURL()); err == nil {
		t.Fatalf("Dial(wrong credential) = nil; want handshake error")
	}
	if got := tr.registry.Len(); got != 0 {
		t.Fatalf("registry.Len() = %d after rejected handshake; want 0", got)
	}
}

func TestAuthenticatedSessionGetsWelcomeFirst(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)
	client := dialRelay(t, tr, "token-test_token")

	if got := client.readText(); got != welcomeMessage {
		t.Fatalf("first message = %q; want %q", got, welcomeMessage)
	}
	waitForSessionCount(t, tr.registry, 1)
}

func TestBroadcastReachesActiveSession(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)
	client := dialRelay(t, tr, "token-test_token")

	if got := client.readText(); got != welcomeMessage {
		t.Fatalf("first message = %q; want %q", got, welcomeMessage)
	}

	// The session subscribes right after the welcome send; wait for it.
	deadline := time.Now().Add(5 * time.Second)
	for tr.broker.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.broker.ClientCount() == 0 {
		t.Fatalf("session never subscribed to broker")
	}

	evt := testEvent(t, "X1", "Y2")
	tr.broker.Publish(evt)

	want := "New ⚔ detected at location: X1Y2"
	if got := client.readText(); got != want {
		t.Fatalf("notification = %q; want %q", got, want)
	}
}

func TestPingIsAnsweredBySessionLoop(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)
	client := dialRelay(t, tr, "token-test_token")

	if got := client.readText(); got != welcomeMessage {
		t.Fatalf("first message = %q; want %q", got, welcomeMessage)
	}

	deadline := time.Now().Add(5 * time.Second)
	for tr.broker.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.broker.ClientCount() == 0 {
		t.Fatalf("session never subscribed to broker")
	}

	ping := ws.MaskFrame(ws.NewPingFrame([]byte("keepalive")))
	if err := ws.WriteFrame(client.conn, ping); err != nil {
		t.Fatalf("WriteFrame(ping) = %v; want nil", err)
	}

	pong := client.readFrame()
	if pong.Header.OpCode != ws.OpPong {
		t.Fatalf("reply opcode = %v; want %v", pong.Header.OpCode, ws.OpPong)
	}
	if got, want := string(pong.Payload), "keepalive"; got != want {
		t.Fatalf("pong payload = %q; want %q", got, want)
	}

	// Notifications after the pong must arrive intact.
	tr.broker.Publish(testEvent(t, "X1", "Y2"))
	want := "New ⚔ detected at location: X1Y2"
	if got := client.readText(); got != want {
		t.Fatalf("notification after pong = %q; want %q", got, want)
	}
}

func TestRegistryCountsOnlyWebsocketSessions(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)
	client := dialRelay(t, tr, "token-test_token")

	if got := client.readText(); got != welcomeMessage {
		t.Fatalf("first message = %q; want %q", got, welcomeMessage)
	}
	waitForSessionCount(t, tr.registry, 1)

	// An internal subscription, like the push forwarder's, must not show
	// up as a live session.
	id, _ := tr.broker.Subscribe()
	defer tr.broker.Unsubscribe(id)

	if got := tr.registry.Len(); got != 1 {
		t.Fatalf("registry.Len() = %d with internal subscriber; want 1", got)
	}
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	tests := []struct {
		name string
		s    string
		max  int
		want string
	}{
		{"short passthrough", "abc", 5, "abc"},
		{"exact length", "abc", 3, "abc"},
		{"ascii cut", "abcdef", 3, "abc..."},
		{"marker split backs up", "a⚔", 2, "a..."},
		{"marker kept when whole", "a⚔", 4, "a⚔"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.s, tt.max); got != tt.want {
				t.Fatalf("truncate(%q, %d) = %q; want %q", tt.s, tt.max, got, tt.want)
			}
		})
	}
}

func TestRateLimitedSessionIsWarnedAndTerminated(t *testing.T) {
	tr := newTestRelay(t, 2)
	client := dialRelay(t, tr, "token-test_token")

	if got := client.readText(); got != welcomeMessage {
		t.Fatalf("first message = %q; want %q", got, welcomeMessage)
	}

	client.writeText("one")
	client.writeText("two")
	client.writeText("three")

	if got := client.readText(); got != rateLimitMessage {
		t.Fatalf("warning = %q; want %q", got, rateLimitMessage)
	}
	waitForSessionCount(t, tr.registry, 0)
}

func TestDisconnectCleansUpSession(t *testing.T) {
	tr := newTestRelay(t, DefaultRateLimit)
	client := dialRelay(t, tr, "token-test_token")

	if got := client.readText(); got != welcomeMessage {
		t.Fatalf("first message = %q; want %q", got, welcomeMessage)
	}
	waitForSessionCount(t, tr.registry, 1)

	if err := client.conn.Close(); err != nil {
		t.Fatalf("Close() = %v; want nil", err)
	}
	waitForSessionCount(t, tr.registry, 0)
}

func TestClientCredentialParsing(t *testing.T) {
	tests := []struct {
		name           string
		header         string
		wantProtocol   string
		wantCredential string
	}{
		{"single token", "token-abc", "token-abc", "abc"},
		{"token among others", "chat, token-abc, v2", "token-abc", "abc"},
		{"no token entry", "chat, v2", "", ""},
		{"empty header", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			protocol, credential := clientCredential(tt.header)
			if protocol != tt.wantProtocol || credential != tt.wantCredential {
				t.Fatalf("clientCredential(%q) = (%q, %q); want (%q, %q)",
					tt.header, protocol, credential, tt.wantProtocol, tt.wantCredential)
			}
		})
	}
}
