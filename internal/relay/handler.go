package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/rclaim/internal/auth"
	"github.com/dgnsrekt/rclaim/internal/watch"
)

const (
	welcomeMessage   = "Connected to the notification service!"
	rateLimitMessage = "Rate limit exceeded. Try again later."

	// Clients carry their credential in the negotiated subprotocol,
	// e.g. Sec-WebSocket-Protocol: token-<secret>.
	tokenProtocolPrefix = "token-"

	// Inbound payloads are bounded before they reach the log.
	maxLoggedMessageLen = 256
)

// ErrRateLimited terminates a session whose inbound quota is exhausted.
var ErrRateLimited = errors.New("relay: rate limit exceeded")

// EventMessage formats the notification payload for one event.
func EventMessage(evt watch.Event) string {
	return fmt.Sprintf("New %c detected at location: %s", auth.Marker, evt.Location.Key())
}

// Handler authenticates connecting clients, upgrades them to WebSocket
// sessions, and runs each session's select loop until it terminates.
type Handler struct {
	authenticator *auth.Authenticator
	broker        *Broker
	registry      *Registry
}

func NewHandler(authenticator *auth.Authenticator, broker *Broker, registry *Registry) *Handler {
	return &Handler{
		authenticator: authenticator,
		broker:        broker,
		registry:      registry,
	}
}

// ServeHTTP is the session's Connecting phase: the credential is validated
// before the upgrade, so a rejected handshake never creates a registry
// entry. On success the session runs in its own goroutine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	protocol, credential := clientCredential(r.Header.Get("Sec-WebSocket-Protocol"))
	if err := h.authenticator.Validate(credential); err != nil {
		slog.Warn("unauthorized websocket connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(p string) bool { return p == protocol },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := h.registry.Register()
	slog.Info("websocket client connected", "session", id, "remote", r.RemoteAddr)

	go func() {
		defer func() {
			h.registry.Unregister(id)
			if err := conn.Close(); err != nil {
				slog.Debug("session connection close failed", "session", id, "error", err)
			}
			slog.Info("session cleanup completed", "session", id)
		}()

		if err := h.runSession(conn, id); err != nil {
			slog.Error("session terminated", "session", id, "error", err)
		}
	}()
}

// clientCredential finds the token-<value> entry in the offered subprotocol
// list. It returns the matching protocol verbatim (so the upgrade can accept
// it back) and the credential value.
func clientCredential(header string) (protocol, credential string) {
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, tokenProtocolPrefix) {
			return p, strings.TrimPrefix(p, tokenProtocolPrefix)
		}
	}
	return "", ""
}

type inboundFrame struct {
	op   ws.OpCode
	data []byte
	err  error
}

// runSession is the Active phase: a reader goroutine feeds inbound frames
// into a channel and the loop selects between it and the broadcast
// subscription until either side terminates the session. The loop is the
// connection's only writer; even pong replies are written here, so frames
// from concurrent paths can never interleave on the wire.
func (h *Handler) runSession(conn net.Conn, id string) error {
	if err := wsutil.WriteServerText(conn, []byte(welcomeMessage)); err != nil {
		return fmt.Errorf("relay: welcome send: %w", err)
	}

	subID, events := h.broker.Subscribe()
	defer h.broker.Unsubscribe(subID)
	slog.Debug("session subscribed to events", "session", id)

	done := make(chan struct{})
	defer close(done)
	inbound := make(chan inboundFrame)
	go readFrames(conn, inbound, done)

	for {
		select {
		case frame := <-inbound:
			if frame.err != nil {
				var closed wsutil.ClosedError
				if errors.As(frame.err, &closed) {
					_ = ws.WriteFrame(conn, ws.NewCloseFrame(nil))
					slog.Info("client disconnected", "session", id)
					return nil
				}
				if errors.Is(frame.err, io.EOF) {
					slog.Info("client disconnected", "session", id)
					return nil
				}
				return fmt.Errorf("relay: inbound read: %w", frame.err)
			}

			if frame.op == ws.OpPing {
				if err := ws.WriteFrame(conn, ws.NewPongFrame(frame.data)); err != nil {
					return fmt.Errorf("relay: pong send: %w", err)
				}
				continue
			}

			slog.Info("client message received",
				"session", id,
				"text", truncate(auth.Sanitize(string(frame.data)), maxLoggedMessageLen),
			)
			if !h.registry.Allow(id) {
				if err := wsutil.WriteServerText(conn, []byte(rateLimitMessage)); err != nil {
					return fmt.Errorf("relay: rate limit warning send: %w", err)
				}
				return ErrRateLimited
			}

		case evt := <-events:
			if err := wsutil.WriteServerText(conn, []byte(EventMessage(evt))); err != nil {
				return fmt.Errorf("relay: event send: %w", err)
			}
		}
	}
}

// readFrames pumps inbound frames to the session loop. It never writes to
// the connection: pings are forwarded for the loop to answer, a close frame
// surfaces as wsutil.ClosedError, non-text data frames are discarded.
func readFrames(conn io.Reader, inbound chan<- inboundFrame, done <-chan struct{}) {
	send := func(frame inboundFrame) bool {
		select {
		case inbound <- frame:
			return true
		case <-done:
			return false
		}
	}

	handleControl := func(hdr ws.Header, payload io.Reader) error {
		data := make([]byte, hdr.Length)
		if _, err := io.ReadFull(payload, data); err != nil {
			return err
		}
		switch hdr.OpCode {
		case ws.OpPing:
			if !send(inboundFrame{op: ws.OpPing, data: data}) {
				return io.EOF
			}
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(data)
			return wsutil.ClosedError{Code: code, Reason: reason}
		}
		return nil
	}

	rd := wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: handleControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err == nil && hdr.OpCode.IsControl() {
			if err = handleControl(hdr, &rd); err == nil {
				continue
			}
		}
		if err != nil {
			send(inboundFrame{err: err})
			return
		}

		if hdr.OpCode != ws.OpText {
			slog.Debug("ignoring non-text frame", "opcode", hdr.OpCode)
			if err := rd.Discard(); err != nil {
				send(inboundFrame{err: err})
				return
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			send(inboundFrame{err: err})
			return
		}
		if !send(inboundFrame{op: ws.OpText, data: data}) {
			return
		}
	}
}

// truncate bounds s to at most max bytes plus an ellipsis, backing up so
// the cut never splits a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
