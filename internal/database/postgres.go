package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

func InitDB(cfg config.Database) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Store is the Postgres implementation of transport.Store, plus the lookups the
// gateway needs for login and channel authorization.
type Store struct {
	db       *sqlx.DB
	classify *Classifier
	logger   *zap.Logger
}

func NewStore(db *sqlx.DB, classifier *Classifier, logger *zap.Logger) *Store {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Store{db: db, classify: classifier, logger: logger.Named("store")}
}

// --- Conversations ---

func (s *Store) ListMemberships(ctx context.Context, userID string) ([]models.Participant, error) {
	var out []models.Participant
	err := s.db.SelectContext(ctx, &out,
		`SELECT conversation_id, user_id, joined_at, last_read_at
		 FROM conversation_participants WHERE user_id = $1
		 ORDER BY conversation_id`, userID)
	if err != nil {
		return nil, s.classify.Classify(err, "store.ListMemberships")
	}
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c,
		`SELECT id, type, name, COALESCE(created_by::text, '') AS created_by, created_at,
		        COALESCE(direct_key, '') AS direct_key
		 FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, s.classify.Classify(err, "store.GetConversation")
	}
	return &c, nil
}

func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m,
		`SELECT id, conversation_id, sender_id, content, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at DESC LIMIT 1`, conversationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify.Classify(err, "store.LatestMessage")
	}
	return &m, nil
}

func (s *Store) ListParticipantProfiles(ctx context.Context, conversationID, excludeUserID string) ([]models.Profile, error) {
	var out []models.Profile
	err := s.db.SelectContext(ctx, &out,
		`SELECT p.id, p.display_name, p.username, p.avatar_url
		 FROM conversation_participants cp
		 JOIN profiles p ON p.id = cp.user_id
		 WHERE cp.conversation_id = $1 AND cp.user_id::text <> $2
		 ORDER BY p.id`, conversationID, excludeUserID)
	if err != nil {
		return nil, s.classify.Classify(err, "store.ListParticipantProfiles")
	}
	return out, nil
}

func (s *Store) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM messages
		 WHERE conversation_id = $1 AND sender_id::text <> $2 AND created_at > $3`,
		conversationID, userID, since)
	if err != nil {
		return 0, s.classify.Classify(err, "store.CountUnread")
	}
	return n, nil
}

func (s *Store) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_participants SET last_read_at = GREATEST(last_read_at, $3)
		 WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, at)
	if err != nil {
		return s.classify.Classify(err, "store.UpdateLastRead")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("participant not found")
	}
	return nil
}

func (s *Store) FindDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	var id sql.NullString
	if err := s.db.GetContext(ctx, &id, `SELECT find_direct_conversation($1, $2)`, userA, userB); err != nil {
		return "", s.classify.Classify(err, "store.FindDirectConversation")
	}
	return id.String, nil
}

// CreateConversation relies on the direct_key unique index: a second insert for the
// same pair returns the row created first.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	err := s.db.GetContext(ctx, conv,
		`INSERT INTO conversations (type, name, created_by, direct_key)
		 VALUES ($1, $2, NULLIF($3, '')::uuid, NULLIF($4, ''))
		 ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL
		 DO UPDATE SET direct_key = EXCLUDED.direct_key
		 RETURNING id, type, name, COALESCE(created_by::text, '') AS created_by, created_at,
		           COALESCE(direct_key, '') AS direct_key`,
		conv.Type, conv.Name, conv.CreatedBy, conv.DirectKey)
	if err != nil {
		return s.classify.Classify(err, "store.CreateConversation")
	}
	return nil
}

func (s *Store) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id)
		 SELECT $1, unnest($2::uuid[])
		 ON CONFLICT DO NOTHING`, conversationID, pq.Array(userIDs))
	if err != nil {
		return s.classify.Classify(err, "store.AddParticipants")
	}
	return nil
}

// IsParticipant is the membership check the gateway applies on channel join.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM conversation_participants
		                WHERE conversation_id::text = $1 AND user_id::text = $2)`,
		conversationID, userID)
	if err != nil {
		return false, s.classify.Classify(err, "store.IsParticipant")
	}
	return ok, nil
}

// --- Messages ---

type messageRow struct {
	models.Message
	SenderDisplayName sql.NullString `db:"sender_display_name"`
	SenderUsername    sql.NullString `db:"sender_username"`
	SenderAvatarURL   sql.NullString `db:"sender_avatar_url"`
}

func (r messageRow) toModel() models.Message {
	m := r.Message
	if r.SenderUsername.Valid {
		m.Sender = &models.Profile{
			ID:          m.SenderID,
			DisplayName: r.SenderDisplayName.String,
			Username:    r.SenderUsername.String,
			AvatarURL:   r.SenderAvatarURL.String,
		}
	}
	return m
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, before transport.Cursor, limit int) ([]models.Message, error) {
	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before.CreatedAt
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		        p.display_name AS sender_display_name,
		        p.username AS sender_username,
		        p.avatar_url AS sender_avatar_url
		 FROM messages m
		 LEFT JOIN profiles p ON p.id = m.sender_id
		 WHERE m.conversation_id = $1
		   AND ($2::timestamptz IS NULL
		        OR m.created_at < $2
		        OR (m.created_at = $2 AND $3 <> '' AND m.id::text < $3 COLLATE "C"))
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $4`, conversationID, cursor, before.ID, limit)
	if err != nil {
		return nil, s.classify.Classify(err, "store.ListMessages")
	}
	out := make([]models.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		        p.display_name AS sender_display_name,
		        p.username AS sender_username,
		        p.avatar_url AS sender_avatar_url
		 FROM messages m
		 LEFT JOIN profiles p ON p.id = m.sender_id
		 WHERE m.id = $1`, id)
	if err != nil {
		return nil, s.classify.Classify(err, "store.GetMessage")
	}
	m := row.toModel()
	return &m, nil
}

// InsertMessage only inserts for participants of the conversation; anyone else gets
// PERMISSION_DENIED.
func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m,
		`INSERT INTO messages (conversation_id, sender_id, content)
		 SELECT $1, $2, $3
		 WHERE EXISTS (SELECT 1 FROM conversation_participants
		               WHERE conversation_id = $1 AND user_id = $2)
		 RETURNING id, conversation_id, sender_id, content, created_at`,
		conversationID, senderID, content)
	if err == sql.ErrNoRows {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	if err != nil {
		return nil, s.classify.Classify(err, "store.InsertMessage")
	}
	s.logger.Debug("message inserted", zap.String("conversation_id", conversationID), zap.String("message_id", m.ID))
	return &m, nil
}

// --- Profiles and credentials ---

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.GetContext(ctx, &p,
		`SELECT id, display_name, username, avatar_url FROM profiles WHERE id = $1`, userID)
	if err != nil {
		return nil, s.classify.Classify(err, "store.GetProfile")
	}
	return &p, nil
}

// CreateAccount creates a profile with its password hash in one transaction.
func (s *Store) CreateAccount(ctx context.Context, username, displayName, passwordHash string) (*models.Profile, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.classify.Classify(err, "store.CreateAccount")
	}
	defer tx.Rollback()

	var p models.Profile
	err = tx.GetContext(ctx, &p,
		`INSERT INTO profiles (username, display_name) VALUES ($1, $2)
		 RETURNING id, display_name, username, avatar_url`, username, displayName)
	if err != nil {
		return nil, s.classify.Classify(err, "store.CreateAccount")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (user_id, password_hash) VALUES ($1, $2)`, p.ID, passwordHash); err != nil {
		return nil, s.classify.Classify(err, "store.CreateAccount")
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify.Classify(err, "store.CreateAccount")
	}
	return &p, nil
}

// Credentials returns the profile and password hash for username, NOT_FOUND if unknown.
func (s *Store) Credentials(ctx context.Context, username string) (*models.Profile, string, error) {
	var row struct {
		models.Profile
		PasswordHash string `db:"password_hash"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT p.id, p.display_name, p.username, p.avatar_url, c.password_hash
		 FROM profiles p JOIN credentials c ON c.user_id = p.id
		 WHERE p.username = $1`, username)
	if err != nil {
		return nil, "", s.classify.Classify(err, "store.Credentials")
	}
	return &row.Profile, row.PasswordHash, nil
}
