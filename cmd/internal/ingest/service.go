package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ripple/cmd/internal/metrics"
	"ripple/cmd/internal/snowflake"
	"ripple/cmd/internal/store"
	v1 "ripple/shared/contracts/chat/v1"
)

// Max message text length (runes).
const maxMessageChars = 4000

// Service is the ingestion composition root: it stamps an identifier,
// broadcasts immediately, buffers for durable persistence, and lets the
// flusher route acknowledgments back to the sender.
type Service struct {
	log  *slog.Logger
	gen  *snowflake.Generator
	buf  *Buffer
	fl   *Flusher
	st   store.MessageStore
	sink EventSink

	// shardKey routes a message to a buffer shard. Single global shard by
	// default; shards exist for fairness/parallelism, not global order.
	shardKey func(userID string) string
}

// NewService constructs the ingestion service.
func NewService(log *slog.Logger, gen *snowflake.Generator, buf *Buffer, fl *Flusher, st store.MessageStore, sink EventSink) *Service {
	return &Service{
		log:      log,
		gen:      gen,
		buf:      buf,
		fl:       fl,
		st:       st,
		sink:     sink,
		shardKey: func(string) string { return DefaultShard },
	}
}

// HandleSendMessage processes one inbound send-message event.
//
// Flow: stamp -> broadcast to all -> enqueue -> trigger flush. A full buffer
// does not suppress the broadcast that already happened; it only refuses
// persistence, and the sender alone sees server-busy.
func (s *Service) HandleSendMessage(ctx context.Context, sessionID string, p v1.SendMessagePayload) error {
	userID := strings.TrimSpace(p.UserID)
	username := strings.TrimSpace(p.Username)
	content := strings.TrimSpace(p.Content)

	if userID == "" || username == "" {
		metrics.MessagesRejected.WithLabelValues("invalid").Inc()
		return errors.New("missing userId or username")
	}
	if content == "" {
		metrics.MessagesRejected.WithLabelValues("invalid").Inc()
		return errors.New("empty content")
	}
	if len([]rune(content)) > maxMessageChars {
		metrics.MessagesRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	id, err := s.gen.Next()
	if err != nil {
		// Clock regression is fatal for this message: never reuse a stale id.
		metrics.MessagesRejected.WithLabelValues("clock_regression").Inc()
		s.log.Error("ingest.id.fail", "session_id", sessionID, "err", err)
		return err
	}

	now := time.Now().UTC()
	msg := store.Message{
		UserID:    userID,
		Username:  username,
		Content:   content,
		Snowflake: int64(id),
		CreatedAt: now,
	}

	env, err := seal(v1.TypeNewMessage, now, v1.NewMessagePayload{
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		Snowflake: msg.Snowflake,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	s.sink.Broadcast(env)
	metrics.MessagesBroadcast.Inc()

	key := s.shardKey(userID)
	entry := Entry{Msg: msg, SessionID: sessionID, EnqueuedAt: now}
	if err := s.buf.Enqueue(key, entry); err != nil {
		if errors.Is(err, ErrBufferFull) {
			metrics.MessagesRejected.WithLabelValues("buffer_full").Inc()
			s.log.Warn("ingest.reject.buffer_full", "session_id", sessionID, "shard", key)
			busy, sealErr := seal(v1.TypeServerBusy, now, nil)
			if sealErr == nil {
				s.sink.SendTo(sessionID, busy)
			}
			return nil
		}
		return err
	}
	metrics.MessagesIngested.Inc()

	if s.buf.QueueLen(key) >= s.fl.BatchSize() || s.buf.OldestAge(key, now) > s.fl.PressureAge() {
		s.fl.Kick(key)
	}
	return nil
}

// HandleReaction toggles a reaction on a persisted message and broadcasts
// the resulting count delta to everyone, sender included. Toggling a second
// time removes the reaction. A racing toggle can make the call a no-op; no
// delta is broadcast then.
func (s *Service) HandleReaction(ctx context.Context, p v1.ReactionAddPayload) error {
	messageID := strings.TrimSpace(p.MessageID)
	userID := strings.TrimSpace(p.UserID)
	if messageID == "" || userID == "" {
		return errors.New("missing messageId or userId")
	}

	delta, err := s.st.ToggleReaction(ctx, messageID, userID, p.EmojiCode)
	if err != nil {
		metrics.ReactionsToggled.WithLabelValues("fail").Inc()
		s.log.Error("ingest.reaction.fail", "message_id", messageID, "err", err)
		return fmt.Errorf("reaction: %w", err)
	}

	switch delta {
	case 1:
		metrics.ReactionsToggled.WithLabelValues("add").Inc()
	case -1:
		metrics.ReactionsToggled.WithLabelValues("remove").Inc()
	default:
		metrics.ReactionsToggled.WithLabelValues("noop").Inc()
		return nil
	}

	env, err := seal(v1.TypeReactionUpdate, time.Now().UTC(), v1.ReactionUpdatePayload{
		MessageID: messageID,
		EmojiCode: p.EmojiCode,
		Delta:     delta,
	})
	if err != nil {
		return err
	}
	s.sink.Broadcast(env)
	return nil
}
