package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/whisper/duet/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenPostgres opens and pings a PostgreSQL database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	// m.Close would also close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Printf("[store] schema at version %d (dirty=%v)", version, dirty)
	return nil
}

// PostgresMessageStore keeps messages in PostgreSQL.
type PostgresMessageStore struct {
	db *sql.DB
}

// NewPostgresMessageStore creates a message store backed by db.
func NewPostgresMessageStore(db *sql.DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

const messageColumns = `id, client_id, sender_id, recipient_id, type, content, media_ref, is_read, read_at, reactions, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m         model.Message
		typ       string
		readAt    sql.NullTime
		reactions []byte
	)
	err := row.Scan(&m.ID, &m.ClientID, &m.From, &m.To, &typ, &m.Content, &m.MediaRef,
		&m.IsRead, &readAt, &reactions, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("store: decode reactions: %w", err)
		}
	}
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return &m, nil
}

// CreateMessage inserts m, or returns the message already stored for the
// same sender and client id.
func (s *PostgresMessageStore) CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	typ := m.Type
	if typ == "" {
		typ = model.MessageText
	}
	query := `
		INSERT INTO messages (id, client_id, sender_id, recipient_id, type, content, media_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sender_id, client_id) WHERE client_id <> '' DO NOTHING
		RETURNING ` + messageColumns

	row := s.db.QueryRowContext(ctx, query,
		uuid.NewString(), m.ClientID, m.From, m.To, string(typ), m.Content, m.MediaRef, time.Now().UTC())
	stored, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s.byClientID(ctx, m.From, m.ClientID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return stored, nil
}

func (s *PostgresMessageStore) byClientID(ctx context.Context, sender, clientID string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE sender_id = $1 AND client_id = $2`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, sender, clientID))
	if err != nil {
		return nil, fmt.Errorf("store: message by client id: %w", err)
	}
	return m, nil
}

// GetMessage loads one message.
func (s *PostgresMessageStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// MarkRead sets is_read once; later calls report changed=false.
func (s *PostgresMessageStore) MarkRead(ctx context.Context, id, reader string, at time.Time) (*model.Message, bool, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if m.To != reader {
		return nil, false, ErrNotParticipant
	}
	if m.IsRead {
		return m, false, nil
	}

	query := `
		UPDATE messages SET is_read = TRUE, read_at = $2
		WHERE id = $1 AND NOT is_read
		RETURNING ` + messageColumns
	updated, err := scanMessage(s.db.QueryRowContext(ctx, query, id, at.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race with another reader; report the stored state.
		m, err := s.GetMessage(ctx, id)
		return m, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: mark read: %w", err)
	}
	return updated, true, nil
}

// SetReaction updates the reactions of id inside a transaction.
func (s *PostgresMessageStore) SetReaction(ctx context.Context, id, user, emoji string) (*model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 FOR UPDATE`
	m, err := scanMessage(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock message: %w", err)
	}
	if m.From != user && m.To != user {
		return nil, ErrNotParticipant
	}

	m.Reactions = model.ApplyReaction(m.Reactions, user, emoji)
	data, err := json.Marshal(m.Reactions)
	if err != nil {
		return nil, fmt.Errorf("store: marshal reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET reactions = $2 WHERE id = $1`, id, data); err != nil {
		return nil, fmt.Errorf("store: update reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return m, nil
}

// History returns the latest limit messages between a and b, oldest first.
func (s *PostgresMessageStore) History(ctx context.Context, a, b string, limit int) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE LEAST(sender_id, recipient_id) = LEAST($1, $2)
		  AND GREATEST(sender_id, recipient_id) = GREATEST($1, $2)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
