package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE raised when the conversation uniqueness
// constraint rejects a concurrent insert.
const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - FindOrCreateConversation relies on the unique index over
//     (user_a, user_b, COALESCE(product_id, 0)): a losing racer re-reads the
//     winner's row instead of surfacing the conflict.
//   - AppendMessage takes a per-conversation transactional advisory lock so
//     appends to one conversation never interleave, even across processes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "barterhub").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "barterhub",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindOrCreateConversation resolves the normalized (pair, product) triple to
// exactly one row, creating it lazily on first contact.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB int64, productID *int64) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if userA <= 0 || userB <= 0 || userA == userB {
		return Conversation{}, errors.New("chat: invalid participant pair")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	a, b := NormalizePair(userA, userB)
	conversations := pgIdent(s.schema, "conversations")

	conv, err := s.lookupConversation(ctx, conversations, a, b, productID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (user_a, user_b, product_id, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 RETURNING id, user_a, user_b, product_id, last_message, created_at, updated_at`,
		a, b, productID,
	)
	conv, err = scanConversation(row)
	if err == nil {
		return conv, nil
	}

	// Two "express interest" calls can race; the loser hits the uniqueness
	// constraint and must treat it as "someone else just created it".
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return s.lookupConversation(ctx, conversations, a, b, productID)
	}
	return Conversation{}, fmt.Errorf("insert conversation: %w", err)
}

func (s *PostgresStore) lookupConversation(ctx context.Context, table string, a, b int64, productID *int64) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_a, user_b, product_id, last_message, created_at, updated_at
		   FROM `+table+`
		  WHERE user_a = $1 AND user_b = $2 AND product_id IS NOT DISTINCT FROM $3`,
		a, b, productID,
	)
	return scanConversation(row)
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	row := s.pool.QueryRow(ctx,
		`SELECT id, user_a, user_b, product_id, last_message, created_at, updated_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		id,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns the user's inbox, most recently updated first,
// with counterpart display fields and the anchored product title.
func (s *PostgresStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	users := pgIdent(s.schema, "users")
	products := pgIdent(s.schema, "products")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_a, c.user_b, c.product_id, c.last_message, c.created_at, c.updated_at,
		        CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END AS other_user_id,
		        COALESCE(CASE WHEN c.user_a = $1 THEN ub.name ELSE ua.name END, '') AS other_user_name,
		        COALESCE(CASE WHEN c.user_a = $1 THEN ub.picture ELSE ua.picture END, '') AS other_user_picture,
		        COALESCE(p.title, '') AS product_title
		   FROM `+conversations+` c
		   LEFT JOIN `+users+` ua ON c.user_a = ua.id
		   LEFT JOIN `+users+` ub ON c.user_b = ub.id
		   LEFT JOIN `+products+` p ON c.product_id = p.id
		  WHERE c.user_a = $1 OR c.user_b = $1
		  ORDER BY c.updated_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, 16)
	for rows.Next() {
		var (
			sum  ConversationSummary
			last *string
		)
		if err := rows.Scan(
			&sum.ID, &sum.UserA, &sum.UserB, &sum.ProductID, &last, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.OtherUserID, &sum.OtherUserName, &sum.OtherUserPicture, &sum.ProductTitle,
		); err != nil {
			return nil, err
		}
		if last != nil {
			sum.LastMessage = *last
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessage inserts the message row and updates the conversation recency
// fields in one transaction. Persistence commits before any broadcast, so a
// storage failure can never produce a phantom wire event.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.ConversationID <= 0 || in.SenderID <= 0 || in.Content == "" {
		return Message{}, errors.New("chat: invalid append input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	// Serialize appends per conversation so id order equals append order even
	// when several server processes write concurrently.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var msg Message
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender_id, content, read, created_at)
		 VALUES ($1, $2, $3, false, $4)
		 RETURNING id, conversation_id, sender_id, content, read, created_at`,
		in.ConversationID, in.SenderID, in.Content, now,
	).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Read, &msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $1, updated_at = $2
		  WHERE id = $3`,
		in.Preview, now, in.ConversationID,
	); err != nil {
		return Message{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages ordered by id ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyWindow
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, read, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY id ASC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead flags every unread message from the other participant as read.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID int64) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND read = false`,
		conversationID, readerID,
	)
	return err
}

// SetLastMessage primes the conversation preview outside the message path.
func (s *PostgresStore) SetLastMessage(ctx context.Context, conversationID int64, preview string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $1, updated_at = now()
		  WHERE id = $2`,
		preview, conversationID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// GetProduct returns the catalog fields the messaging core needs.
func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (Product, error) {
	if s == nil || s.pool == nil {
		return Product{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}

	products := pgIdent(s.schema, "products")

	var p Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title FROM `+products+` WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.OwnerID, &p.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv Conversation
		last *string
	)
	err := row.Scan(&conv.ID, &conv.UserA, &conv.UserB, &conv.ProductID, &last, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	if last != nil {
		conv.LastMessage = *last
	}
	return conv, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
