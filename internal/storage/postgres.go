package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
	"github.com/xaenox/wwtd-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

// threadsChannel is the NOTIFY channel fed by the message_threads trigger.
const threadsChannel = "message_threads"

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db       *sql.DB
	listener *pq.Listener
	watchers *watchers
	logger   *zap.Logger
	done     chan struct{}
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := config.ConnString()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := newPostgresStorage(db, logger)

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	if err := storage.listen(connStr); err != nil {
		db.Close()
		return nil, fmt.Errorf("error listening for thread changes: %w", err)
	}

	return storage, nil
}

func newPostgresStorage(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{
		db:       db,
		watchers: newWatchers(),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (s *PostgresStorage) initializeSchema() error {
	// Read migrations file
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	// Execute migrations
	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// listen subscribes to thread change notifications so that every process
// sharing the database sees writes made by the others.
func (s *PostgresStorage) listen(connStr string) error {
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("Thread listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	}

	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, report)
	if err := listener.Listen(threadsChannel); err != nil {
		listener.Close()
		return err
	}
	s.listener = listener

	go s.dispatch()
	return nil
}

func (s *PostgresStorage) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected; notifications may have been lost.
				s.watchers.publishAll()
				continue
			}
			s.watchers.publish(n.Extra)
		case <-time.After(90 * time.Second):
			if err := s.listener.Ping(); err != nil {
				s.logger.Warn("Thread listener ping failed", zap.Error(err))
			}
		}
	}
}

// changed notifies local watchers when no LISTEN connection does it for us.
func (s *PostgresStorage) changed(userID string) {
	if s.listener == nil {
		s.watchers.publish(userID)
	}
}

// User methods
func (s *PostgresStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	query := `
		SELECT id, name, email, profile_photo, available_tokens, is_subscribed,
		       subscription_expires_at, subscription_plan, voice, created_at
		FROM users
		WHERE id = $1`

	var (
		user    models.User
		expires sql.NullTime
		plan    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.ProfilePhoto,
		&user.AvailableTokens,
		&user.IsSubscribed,
		&expires,
		&plan,
		&user.Voice,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("user", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}

	if expires.Valid {
		t := expires.Time
		user.SubscriptionExpiresAt = &t
	}
	if plan.Valid {
		p := plan.String
		user.SubscriptionPlan = &p
	}
	return &user, nil
}

func (s *PostgresStorage) CreateUser(ctx context.Context, user *models.User) (bool, error) {
	query := `
		INSERT INTO users (id, name, email, profile_photo, available_tokens, is_subscribed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.ProfilePhoto,
		user.AvailableTokens,
		user.IsSubscribed,
		user.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("error creating user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *PostgresStorage) UpdateBalance(ctx context.Context, userID string, balance int64) error {
	query := `UPDATE users SET available_tokens = $1 WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, balance, userID)
	if err != nil {
		return fmt.Errorf("error updating balance: %w", err)
	}
	return expectRow(result, "user", userID)
}

func (s *PostgresStorage) UpdateSubscription(ctx context.Context, userID string, state models.SubscriptionState) error {
	query := `
		UPDATE users
		SET is_subscribed = $1, subscription_expires_at = $2, subscription_plan = $3
		WHERE id = $4`

	result, err := s.db.ExecContext(ctx, query,
		state.IsSubscribed,
		state.ExpirationDate,
		state.PlanID,
		userID,
	)
	if err != nil {
		return fmt.Errorf("error updating subscription: %w", err)
	}
	return expectRow(result, "user", userID)
}

func (s *PostgresStorage) UpdateVoice(ctx context.Context, userID, voice string) error {
	query := `UPDATE users SET voice = $1 WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, voice, userID)
	if err != nil {
		return fmt.Errorf("error updating voice: %w", err)
	}
	return expectRow(result, "user", userID)
}

func (s *PostgresStorage) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("error deleting user: %w", err)
	}
	s.changed(userID)
	return nil
}

// Thread methods
func (s *PostgresStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	query := `
		INSERT INTO message_threads (id, user_id, date_created, preview_message, model, status)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		thread.ID,
		thread.UserID,
		thread.DateCreated,
		thread.PreviewMessage,
		thread.Model,
		string(thread.Status),
	)
	if err != nil {
		return fmt.Errorf("error creating thread: %w", err)
	}
	s.changed(thread.UserID)
	return nil
}

func (s *PostgresStorage) GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	query := `
		SELECT id, user_id, date_created, preview_message, model, status
		FROM message_threads
		WHERE id = $1 AND user_id = $2`

	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, query, threadID, userID).Scan(
		&thread.ID,
		&thread.UserID,
		&thread.DateCreated,
		&thread.PreviewMessage,
		&thread.Model,
		&thread.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("thread", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStorage) UpdateThreadStatus(ctx context.Context, userID, threadID string, status models.ThreadStatus) error {
	query := `UPDATE message_threads SET status = $1 WHERE id = $2 AND user_id = $3`

	result, err := s.db.ExecContext(ctx, query, string(status), threadID, userID)
	if err != nil {
		return fmt.Errorf("error updating thread status: %w", err)
	}
	if err := expectRow(result, "thread", threadID); err != nil {
		return err
	}
	s.changed(userID)
	return nil
}

func (s *PostgresStorage) ListThreads(ctx context.Context, userID string, status models.ThreadStatus) ([]models.Thread, error) {
	query := `
		SELECT id, user_id, date_created, preview_message, model, status
		FROM message_threads
		WHERE user_id = $1 AND status = $2
		ORDER BY date_created DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %w", err)
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		var thread models.Thread
		err := rows.Scan(
			&thread.ID,
			&thread.UserID,
			&thread.DateCreated,
			&thread.PreviewMessage,
			&thread.Model,
			&thread.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, userID, threadID string, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, thread_id, role, content, timestamp)
		SELECT $1::text, t.id, $3::text, $4::text, $5::timestamptz
		FROM message_threads t
		WHERE t.id = $2::text AND t.user_id = $6::text`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		threadID,
		string(msg.Role),
		msg.Content,
		msg.Timestamp,
		userID,
	)
	if err != nil {
		return fmt.Errorf("error appending message: %w", err)
	}
	return expectRow(result, "thread", threadID)
}

func (s *PostgresStorage) ListMessages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	if _, err := s.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, thread_id, role, content, timestamp
		FROM messages
		WHERE thread_id = $1
		ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// Purchase methods
func (s *PostgresStorage) SavePurchase(ctx context.Context, purchase *models.Purchase) error {
	query := `
		INSERT INTO purchases (id, user_id, product_id, purchased_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		purchase.ID,
		purchase.UserID,
		purchase.ProductID,
		purchase.PurchasedAt,
		purchase.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("error saving purchase: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListPurchases(ctx context.Context, userID string) ([]models.Purchase, error) {
	query := `
		SELECT id, user_id, product_id, purchased_at, expires_at
		FROM purchases
		WHERE user_id = $1
		ORDER BY purchased_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying purchases: %w", err)
	}
	defer rows.Close()

	purchases := []models.Purchase{}
	for rows.Next() {
		var (
			p       models.Purchase
			expires sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.ProductID, &p.PurchasedAt, &expires); err != nil {
			return nil, fmt.Errorf("error scanning purchase: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			p.ExpiresAt = &t
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchases: %w", err)
	}

	return purchases, nil
}

func (s *PostgresStorage) Watch(userID string, fn func()) func() {
	return s.watchers.add(userID, fn)
}

func (s *PostgresStorage) Close() error {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	return s.db.Close()
}

func expectRow(result sql.Result, resource, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
