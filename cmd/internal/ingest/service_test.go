package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ripple/cmd/internal/snowflake"
	v1 "ripple/shared/contracts/chat/v1"
)

func newTestService(t *testing.T, capacity int) (*Service, *Buffer, *fakeSink, *fakeStore) {
	t.Helper()

	gen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake.New: %v", err)
	}
	st := &fakeStore{}
	sink := newFakeSink()
	buf := NewBuffer(capacity)
	fl := NewFlusher(testLogger(), buf, st, sink, FlushConfig{})
	return NewService(testLogger(), gen, buf, fl, st, sink), buf, sink, st
}

func sendPayload(content string) v1.SendMessagePayload {
	return v1.SendMessagePayload{UserID: "u1", Username: "alice", Content: content}
}

func TestHandleSendMessageBroadcastsAndBuffers(t *testing.T) {
	t.Parallel()

	svc, buf, sink, _ := newTestService(t, 100)
	ctx := context.Background()

	if err := svc.HandleSendMessage(ctx, "s1", sendPayload("hello")); err != nil {
		t.Fatalf("HandleSendMessage: %v", err)
	}

	sink.mu.Lock()
	nBroadcast := len(sink.broadcast)
	env := sink.broadcast[0]
	sink.mu.Unlock()

	if nBroadcast != 1 {
		t.Fatalf("broadcasts=%d want=1", nBroadcast)
	}
	if env.Type != v1.TypeNewMessage {
		t.Fatalf("type=%q want=%q", env.Type, v1.TypeNewMessage)
	}
	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Snowflake == 0 || p.Content != "hello" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if got := buf.Unflushed(DefaultShard); got != 1 {
		t.Fatalf("unflushed=%d want=1", got)
	}
}

func TestSnowflakesStrictlyIncreasingPerShard(t *testing.T) {
	t.Parallel()

	svc, _, sink, _ := newTestService(t, 5000)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		if err := svc.HandleSendMessage(ctx, "s1", sendPayload("m")); err != nil {
			t.Fatalf("HandleSendMessage(%d): %v", i, err)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	var last int64
	for i, env := range sink.broadcast {
		var p v1.NewMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload(%d): %v", i, err)
		}
		if p.Snowflake <= last {
			t.Fatalf("identifier not strictly increasing at %d: prev=%d got=%d", i, last, p.Snowflake)
		}
		last = p.Snowflake
	}
}

func TestOverflowSendsServerBusyToSenderOnly(t *testing.T) {
	t.Parallel()

	svc, buf, sink, _ := newTestService(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.HandleSendMessage(ctx, "s1", sendPayload("m")); err != nil {
			t.Fatalf("HandleSendMessage(%d): %v", i, err)
		}
	}
	// Third message overflows: still broadcast, never queued, sender told.
	if err := svc.HandleSendMessage(ctx, "s1", sendPayload("overflow")); err != nil {
		t.Fatalf("overflow HandleSendMessage: %v", err)
	}

	if got := buf.Unflushed(DefaultShard); got != 2 {
		t.Fatalf("unflushed=%d want=2 (cap never exceeded)", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if len(sink.broadcast) != 3 {
		t.Fatalf("broadcasts=%d want=3 (overflow does not suppress broadcast)", len(sink.broadcast))
	}
	busy := 0
	for _, env := range sink.direct["s1"] {
		if env.Type == v1.TypeServerBusy {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("server-busy count=%d want=1", busy)
	}
}

func TestHandleSendMessageValidation(t *testing.T) {
	t.Parallel()

	svc, buf, _, _ := newTestService(t, 10)
	ctx := context.Background()

	cases := []struct {
		name string
		p    v1.SendMessagePayload
	}{
		{name: "missing user", p: v1.SendMessagePayload{Username: "alice", Content: "hi"}},
		{name: "missing username", p: v1.SendMessagePayload{UserID: "u1", Content: "hi"}},
		{name: "empty content", p: v1.SendMessagePayload{UserID: "u1", Username: "alice", Content: "   "}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.HandleSendMessage(ctx, "s1", tc.p); err == nil {
				t.Fatal("want validation error")
			}
		})
	}

	if got := buf.Unflushed(DefaultShard); got != 0 {
		t.Fatalf("invalid messages must not be buffered, unflushed=%d", got)
	}
}

func reactionPayload(messageID string) v1.ReactionAddPayload {
	return v1.ReactionAddPayload{MessageID: messageID, UserID: "u1", EmojiCode: 128077}
}

func TestHandleReactionTogglesAndBroadcastsDelta(t *testing.T) {
	t.Parallel()

	svc, _, sink, _ := newTestService(t, 10)
	ctx := context.Background()

	// First toggle adds, second removes; both fan out to everyone.
	if err := svc.HandleReaction(ctx, reactionPayload("msg-1")); err != nil {
		t.Fatalf("HandleReaction add: %v", err)
	}
	if err := svc.HandleReaction(ctx, reactionPayload("msg-1")); err != nil {
		t.Fatalf("HandleReaction remove: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if len(sink.broadcast) != 2 {
		t.Fatalf("broadcasts=%d want=2", len(sink.broadcast))
	}
	wantDeltas := []int{1, -1}
	for i, env := range sink.broadcast {
		if env.Type != v1.TypeReactionUpdate {
			t.Fatalf("broadcast %d type=%q want=%q", i, env.Type, v1.TypeReactionUpdate)
		}
		var p v1.ReactionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload(%d): %v", i, err)
		}
		if p.MessageID != "msg-1" || p.EmojiCode != 128077 || p.Delta != wantDeltas[i] {
			t.Fatalf("broadcast %d payload=%+v want delta=%d", i, p, wantDeltas[i])
		}
	}
}

func TestHandleReactionValidationAndFailure(t *testing.T) {
	t.Parallel()

	svc, _, sink, st := newTestService(t, 10)
	ctx := context.Background()

	if err := svc.HandleReaction(ctx, v1.ReactionAddPayload{UserID: "u1"}); err == nil {
		t.Fatal("missing messageId accepted")
	}
	if err := svc.HandleReaction(ctx, v1.ReactionAddPayload{MessageID: "msg-1"}); err == nil {
		t.Fatal("missing userId accepted")
	}

	st.mu.Lock()
	st.toggleErr = errors.New("db down")
	st.mu.Unlock()
	if err := svc.HandleReaction(ctx, reactionPayload("msg-1")); err == nil {
		t.Fatal("store failure not surfaced")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.broadcast) != 0 {
		t.Fatalf("no delta may be broadcast on failure, got %d", len(sink.broadcast))
	}
}
