// Package main provides a CI-friendly WebSocket smoke test for Ripple chat.
//
// It validates:
//   - handshake + subprotocol selection
//   - presence snapshot on connect
//   - presence:online announce + delta fanout
//   - send-message -> new-message fanout to both clients
//   - message:ack (or message:ack:batch) delivery to the sender
//   - typing relay to the other client only
//   - reaction:add toggle -> reaction:update delta to both clients
//   - history fetch over HTTP contains the sent message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "ripple/shared/contracts/chat/v1"
)

const (
	subprotocol  = "ripple.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello ripple 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	// Every fresh connection gets a presence snapshot first.
	mustAwaitType(a, v1.TypePresenceUpdate, *timeout, "A presence snapshot")
	mustAwaitType(b, v1.TypePresenceUpdate, *timeout, "B presence snapshot")

	mustAnnounce(root, a, "smoke-user-a", "alice", *timeout)

	// B sees A's online delta.
	env := mustAwaitType(b, v1.TypePresenceUpdate, *timeout, "B online delta for A")
	var delta v1.PresenceEntry
	mustUnmarshal(env.Payload, &delta, "presence delta")
	if delta.UserID != "smoke-user-a" || delta.Status != v1.StatusOnline {
		fatalf("unexpected presence delta: %+v", delta)
	}

	mustAnnounce(root, b, "smoke-user-b", "bob", *timeout)
	mustAwaitType(a, v1.TypePresenceUpdate, *timeout, "A online delta for B")

	// Typing relay goes to the other client only.
	mustSend(root, a, v1.TypeTypingStart, v1.TypingPayload{UserID: "smoke-user-a", Username: "alice"}, *timeout)
	mustAwaitType(b, v1.TypeTypingStart, *timeout, "B typing relay")
	mustAssertNoType(a, v1.TypeTypingStart, 750*time.Millisecond)

	// Send a message: both clients receive new-message, the sender gets an ack.
	mustSend(root, a, v1.TypeSendMessage, v1.SendMessagePayload{
		UserID:   "smoke-user-a",
		Username: "alice",
		Content:  *text,
	}, *timeout)

	sf := mustAssertNewMessage(a, b, *text, *timeout)
	msgID, snowflake := mustAwaitAck(a, sf, *timeout)

	if *verbose {
		fmt.Printf("message persisted: id=%s snowflake=%d\n", msgID, snowflake)
	}

	// Reactions need the persisted row id; a batch ack does not carry one.
	if msgID != "" {
		mustSend(root, b, v1.TypeReactionAdd, v1.ReactionAddPayload{
			MessageID: msgID,
			UserID:    "smoke-user-b",
			EmojiCode: 128077, // 👍
		}, *timeout)
		mustAwaitReaction(a, msgID, 1, *timeout)
		mustAwaitReaction(b, msgID, 1, *timeout)
	} else if *verbose {
		fmt.Println("batch ack: skipping reaction step")
	}

	mustHistoryContains(*apiURL, snowflake, *text, *timeout)

	fmt.Printf("OK: snowflake=%d\n", snowflake)
}

func mustConnect(root context.Context, name, wsURL, origin string, timeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()

	hdr := http.Header{}
	if strings.TrimSpace(origin) != "" {
		hdr.Set("Origin", origin)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		fatalf("%s: dial: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("%s: subprotocol mismatch: got %q want %q", name, got, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}

	go func() {
		for {
			_, data, err := conn.Read(root)
			if err != nil {
				c.errCh <- err
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- err
				return
			}
			select {
			case c.inbox <- env:
			default:
			}
		}
	}()

	return c
}

func mustAnnounce(root context.Context, c *smokeClient, userID, username string, timeout time.Duration) {
	mustSend(root, c, v1.TypePresenceOnline, v1.PresenceOnlinePayload{UserID: userID, Username: username}, timeout)
}

func mustSend(root context.Context, c *smokeClient, typ string, payload any, timeout time.Duration) {
	env, err := v1.Seal(typ, fmt.Sprintf("smoke-%d", time.Now().UnixNano()), time.Now().UTC(), payload)
	if err != nil {
		fatalf("%s: seal %s: %v", c.name, typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("%s: marshal %s: %v", c.name, typ, err)
	}

	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

func mustAwaitType(c *smokeClient, typ string, timeout time.Duration, step string) v1.Envelope {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.inbox:
			if env.Type == typ {
				return env
			}
		case err := <-c.errCh:
			fatalf("%s (%s): read: %v", c.name, step, err)
		case <-deadline:
			fatalf("%s (%s): timeout waiting for %s", c.name, step, typ)
		}
	}
}

func mustAssertNoType(c *smokeClient, typ string, window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case env := <-c.inbox:
			if env.Type == typ {
				fatalf("%s: unexpected %s", c.name, typ)
			}
		case <-deadline:
			return
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		}
	}
}

// mustAssertNewMessage checks the fanout reached both clients with the same
// snowflake and returns it.
func mustAssertNewMessage(a, b *smokeClient, text string, timeout time.Duration) int64 {
	var sfA, sfB int64
	for _, c := range []*smokeClient{a, b} {
		env := mustAwaitType(c, v1.TypeNewMessage, timeout, "new-message fanout")
		var p v1.NewMessagePayload
		mustUnmarshal(env.Payload, &p, "new-message")
		if p.Content != text {
			fatalf("%s: new-message content mismatch: %q", c.name, p.Content)
		}
		if p.Snowflake == 0 {
			fatalf("%s: new-message missing snowflake", c.name)
		}
		if c == a {
			sfA = p.Snowflake
		} else {
			sfB = p.Snowflake
		}
	}
	if sfA != sfB {
		fatalf("fanout snowflake mismatch: A=%d B=%d", sfA, sfB)
	}
	return sfA
}

// mustAwaitAck accepts either ack shape and verifies it covers the snowflake.
// The persisted row id is returned when the ack carries one (single shape).
func mustAwaitAck(c *smokeClient, snowflake int64, timeout time.Duration) (string, int64) {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.inbox:
			switch env.Type {
			case v1.TypeMessageAck:
				var p v1.MessageAckPayload
				mustUnmarshal(env.Payload, &p, "message:ack")
				if p.Snowflake != snowflake {
					fatalf("%s: ack snowflake mismatch: got %d want %d", c.name, p.Snowflake, snowflake)
				}
				return p.ID, p.Snowflake
			case v1.TypeMessageAckBatch:
				var p v1.MessageAckBatchPayload
				mustUnmarshal(env.Payload, &p, "message:ack:batch")
				for _, sf := range p.Snowflakes {
					if sf == snowflake {
						return "", sf
					}
				}
				fatalf("%s: batch ack missing snowflake %d", c.name, snowflake)
			case v1.TypeServerBusy:
				fatalf("%s: server-busy during smoke run", c.name)
			}
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		case <-deadline:
			fatalf("%s: timeout waiting for ack of %d", c.name, snowflake)
		}
	}
}

// mustAwaitReaction waits for a reaction:update for msgID with the given delta.
func mustAwaitReaction(c *smokeClient, msgID string, delta int, timeout time.Duration) {
	env := mustAwaitType(c, v1.TypeReactionUpdate, timeout, "reaction delta")
	var p v1.ReactionUpdatePayload
	mustUnmarshal(env.Payload, &p, "reaction:update")
	if p.MessageID != msgID || p.Delta != delta {
		fatalf("%s: reaction delta mismatch: %+v want msgID=%s delta=%d", c.name, p, msgID, delta)
	}
}

func mustHistoryContains(apiBase string, snowflake int64, text string, timeout time.Duration) {
	cli := &http.Client{Timeout: timeout}
	resp, err := cli.Get(strings.TrimRight(apiBase, "/") + "/api/messages?limit=50")
	if err != nil {
		fatalf("history: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fatalf("history: status %d: %s", resp.StatusCode, body)
	}

	var page v1.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		fatalf("history: decode: %v", err)
	}

	for _, m := range page.Messages {
		if m.Snowflake == snowflake {
			if m.Content != text {
				fatalf("history: content mismatch for %d: %q", snowflake, m.Content)
			}
			return
		}
	}
	fatalf("history: message %d not found in %d rows", snowflake, len(page.Messages))
}

func mustUnmarshal(raw json.RawMessage, v any, what string) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal %s: %v", what, err)
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "SMOKE FAIL: "+format+"\n", args...)
	os.Exit(1)
}
