package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "ripple/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	env, err := v1.Seal(typ, "01TESTENVELOPEID", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return env
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistryAnnounceAndSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	a := NewClient("sess-a", 8)
	b := NewClient("sess-b", 8)
	r.Add(a)
	r.Add(b)

	delta := r.Announce("sess-a", "u1", "ada")
	if delta.UserID != "u1" || delta.Username != "ada" || delta.Status != v1.StatusOnline {
		t.Fatalf("unexpected delta: %+v", delta)
	}
	r.Announce("sess-b", "u2", "bea")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap[0].UserID != "u1" || snap[1].UserID != "u2" {
		t.Fatalf("snapshot not sorted by user id: %+v", snap)
	}
	for _, e := range snap {
		if e.Status != v1.StatusOnline {
			t.Fatalf("snapshot entry not online: %+v", e)
		}
	}
}

func TestRegistryBroadcastExceptSkipsSender(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	a := NewClient("sess-a", 8)
	b := NewClient("sess-b", 8)
	c := NewClient("sess-c", 8)
	r.Add(a)
	r.Add(b)
	r.Add(c)

	r.BroadcastExcept("sess-a", testEnvelope(t, v1.TypeTypingStart))

	if got := len(drain(a)); got != 0 {
		t.Fatalf("sender received %d envelopes, want 0", got)
	}
	if got := len(drain(b)); got != 1 {
		t.Fatalf("b received %d envelopes, want 1", got)
	}
	if got := len(drain(c)); got != 1 {
		t.Fatalf("c received %d envelopes, want 1", got)
	}
}

func TestRegistrySendTo(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	a := NewClient("sess-a", 8)
	r.Add(a)

	if !r.SendTo("sess-a", testEnvelope(t, v1.TypeServerBusy)) {
		t.Fatal("SendTo to live session = false, want true")
	}
	if r.SendTo("sess-missing", testEnvelope(t, v1.TypeServerBusy)) {
		t.Fatal("SendTo to unknown session = true, want false")
	}

	got := drain(a)
	if len(got) != 1 || got[0].Type != v1.TypeServerBusy {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestRegistryRemoveEmitsOfflineDelta(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	a := NewClient("sess-a", 8)
	r.Add(a)
	r.Announce("sess-a", "u1", "ada")

	delta, gone := r.Remove("sess-a")
	if !gone {
		t.Fatal("Remove: gone = false, want true for last session of user")
	}
	if delta.UserID != "u1" || delta.Status != v1.StatusOffline {
		t.Fatalf("unexpected offline delta: %+v", delta)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("presence not cleared after removing last session")
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("client not signaled to close after Remove")
	}
}

func TestRegistryMultiSessionUserStaysOnline(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	a := NewClient("sess-a", 8)
	b := NewClient("sess-b", 8)
	r.Add(a)
	r.Add(b)
	r.Announce("sess-a", "u1", "ada")
	r.Announce("sess-b", "u1", "ada")

	if _, gone := r.Remove("sess-a"); gone {
		t.Fatal("user marked offline while another session remains")
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "u1" || snap[0].Status != v1.StatusOnline {
		t.Fatalf("unexpected snapshot after partial disconnect: %+v", snap)
	}

	delta, gone := r.Remove("sess-b")
	if !gone || delta.Status != v1.StatusOffline {
		t.Fatalf("last session removal: gone=%v delta=%+v", gone, delta)
	}
}

func TestRegistryFanoutDropsSaturatedClient(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	// Queue of size 1 that we pre-fill; fanout must skip it without blocking.
	full := NewClient("sess-full", 1)
	full.Send <- testEnvelope(t, v1.TypeTypingStart)
	ok := NewClient("sess-ok", 8)
	r.Add(full)
	r.Add(ok)

	done := make(chan struct{})
	go func() {
		r.Broadcast(testEnvelope(t, v1.TypeNewMessage))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on saturated client")
	}

	if got := len(drain(ok)); got != 1 {
		t.Fatalf("healthy client received %d envelopes, want 1", got)
	}
}

func TestPresenceDeltaWireShape(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	a := NewClient("sess-a", 8)
	r.Add(a)
	delta := r.Announce("sess-a", "u1", "ada")

	b, err := json.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"userId", "username", "status"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("delta missing key %q: %s", k, b)
		}
	}
}
