package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Schema (logical): messages(id uuid pk default, user_id text, username text,
// content text, snowflake bigint unique indexed, created_at timestamptz).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "ripple").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "ripple",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// InsertBatch persists a batch in a single multi-row INSERT.
//
// ON CONFLICT (snowflake) DO UPDATE makes retries idempotent per identifier
// while still RETURNING a persistence id for every input row, so the flusher
// can acknowledge all of them even when an earlier attempt half-landed.
func (s *PostgresStore) InsertBatch(ctx context.Context, msgs []Message) ([]InsertedRow, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil store")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	var sb strings.Builder
	sb.WriteString(`INSERT INTO ` + messages + ` (user_id, username, content, snowflake, created_at) VALUES `)

	args := make([]any, 0, len(msgs)*5)
	for i, m := range msgs {
		if m.Snowflake <= 0 {
			return nil, fmt.Errorf("store: invalid snowflake at index %d", i)
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)

		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		args = append(args, m.UserID, m.Username, m.Content, m.Snowflake, created)
	}

	sb.WriteString(` ON CONFLICT (snowflake) DO UPDATE SET content = EXCLUDED.content RETURNING id::text, snowflake`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	defer rows.Close()

	out := make([]InsertedRow, 0, len(msgs))
	for rows.Next() {
		var r InsertedRow
		if err := rows.Scan(&r.ID, &r.Snowflake); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBefore returns up to limit rows with snowflake < before, newest first.
// A nil cursor reads from the newest message down.
func (s *PostgresStore) FetchBefore(ctx context.Context, before *int64, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil store")
	}
	if limit <= 0 {
		return nil, errors.New("store: non-positive limit")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id::text, user_id::text, username, content, snowflake, created_at
			   FROM `+messages+`
			  ORDER BY snowflake DESC
			  LIMIT $1`,
			limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id::text, user_id::text, username, content, snowflake, created_at
			   FROM `+messages+`
			  WHERE snowflake < $1
			  ORDER BY snowflake DESC
			  LIMIT $2`,
			*before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.Content, &m.Snowflake, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ToggleReaction flips one (message, user, emoji) reaction inside a
// transaction. The audit row in message_reactions is the source of truth;
// message_reaction_counts is the denormalized counter the read side serves.
func (s *PostgresStore) ToggleReaction(ctx context.Context, messageID, userID string, emojiCode int) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("store: nil store")
	}
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(userID) == "" {
		return 0, errors.New("store: missing messageId or userId")
	}

	reactions := pgIdent(s.schema, "message_reactions")
	counts := pgIdent(s.schema, "message_reaction_counts")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("toggle reaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+reactions+`
		  WHERE message_id = $1 AND user_id = $2 AND emoji_code = $3`,
		messageID, userID, emojiCode,
	)
	if err != nil {
		return 0, fmt.Errorf("toggle reaction: %w", err)
	}

	delta := 0
	if tag.RowsAffected() > 0 {
		delta = -1
		if _, err := tx.Exec(ctx,
			`UPDATE `+counts+`
			    SET count = count - 1
			  WHERE message_id = $1 AND emoji_code = $2`,
			messageID, emojiCode,
		); err != nil {
			return 0, fmt.Errorf("toggle reaction: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`INSERT INTO `+reactions+` (message_id, user_id, emoji_code)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (message_id, user_id, emoji_code) DO NOTHING`,
			messageID, userID, emojiCode,
		)
		if err != nil {
			return 0, fmt.Errorf("toggle reaction: %w", err)
		}
		// A concurrent toggle can win the insert race; then this call is a no-op.
		if tag.RowsAffected() > 0 {
			delta = 1
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+counts+` AS c (message_id, emoji_code, count)
				 VALUES ($1, $2, 1)
				 ON CONFLICT (message_id, emoji_code) DO UPDATE SET count = c.count + 1`,
				messageID, emojiCode,
			); err != nil {
				return 0, fmt.Errorf("toggle reaction: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("toggle reaction: %w", err)
	}
	return delta, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
