package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store provides persistence for client applications, users, their links and
// sessions.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres connection pool and ensures the schema exists.
func NewStore(connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS client_applications (
		id VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL UNIQUE,
		client_secret_hash TEXT NOT NULL,
		name VARCHAR(255) NOT NULL,
		callback_uri TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMP,
		deleted_by VARCHAR(255),
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		created_by VARCHAR(255),
		modified_at TIMESTAMP NOT NULL DEFAULT NOW(),
		modified_by VARCHAR(255)
	);

	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(255) PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMP,
		deleted_by VARCHAR(255),
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS user_client_application_links (
		user_id VARCHAR(255) NOT NULL,
		client_application_id VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, client_application_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		ip_address VARCHAR(64),
		user_agent TEXT,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_client_applications_client_id ON client_applications(client_id);
	CREATE INDEX IF NOT EXISTS idx_client_applications_deleted ON client_applications(is_deleted, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_users_deleted ON users(is_deleted, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_links_client ON user_client_application_links(client_application_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveClientApplication inserts or updates a client application.
func (s *Store) SaveClientApplication(ctx context.Context, app *ClientApplication) error {
	query := `
		INSERT INTO client_applications
			(id, client_id, client_secret_hash, name, callback_uri, redirect_uri,
			 is_deleted, deleted_at, deleted_by, created_at, created_by, modified_at, modified_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id)
		DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			name = EXCLUDED.name,
			callback_uri = EXCLUDED.callback_uri,
			redirect_uri = EXCLUDED.redirect_uri,
			is_deleted = EXCLUDED.is_deleted,
			deleted_at = EXCLUDED.deleted_at,
			deleted_by = EXCLUDED.deleted_by,
			modified_at = EXCLUDED.modified_at,
			modified_by = EXCLUDED.modified_by
	`

	now := time.Now()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.ModifiedAt = now

	_, err := s.db.ExecContext(ctx, query,
		app.ID,
		app.ClientID,
		app.ClientSecretHash,
		app.Name,
		app.CallbackURI,
		app.RedirectURI,
		app.IsDeleted,
		nullableTime(app.DeletedAt),
		nullableString(app.DeletedBy),
		app.CreatedAt,
		nullableString(app.CreatedBy),
		app.ModifiedAt,
		nullableString(app.ModifiedBy),
	)
	if err != nil {
		return fmt.Errorf("%w: save client application: %v", ErrStoreFailure, err)
	}
	return nil
}

// GetActiveClient resolves a non-deleted client application by its public
// client id and a callback or redirect URI. At most one active row matches.
func (s *Store) GetActiveClient(ctx context.Context, clientID, uri string) (*ClientApplication, error) {
	query := `
		SELECT id, client_id, client_secret_hash, name, callback_uri, redirect_uri,
		       is_deleted, deleted_at, deleted_by, created_at, created_by, modified_at, modified_by
		FROM client_applications
		WHERE client_id = $1
		  AND (callback_uri = $2 OR redirect_uri = $2)
		  AND is_deleted = FALSE
	`

	app, err := scanClientApplication(s.db.QueryRowContext(ctx, query, clientID, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get client %s: %v", ErrStoreFailure, clientID, err)
	}
	return app, nil
}

// ResolveLinkedUser returns the resource-owner user linked to a client
// application. First link wins.
func (s *Store) ResolveLinkedUser(ctx context.Context, clientApplicationID string) (*User, error) {
	query := `
		SELECT u.id, u.email, u.is_deleted, u.deleted_at, u.deleted_by, u.created_at
		FROM user_client_application_links l
		JOIN users u ON u.id = l.user_id
		WHERE l.client_application_id = $1
		  AND u.is_deleted = FALSE
		ORDER BY l.created_at
		LIMIT 1
	`

	var user User
	var deletedAt sql.NullTime
	var deletedBy sql.NullString
	err := s.db.QueryRowContext(ctx, query, clientApplicationID).Scan(
		&user.ID,
		&user.Email,
		&user.IsDeleted,
		&deletedAt,
		&deletedBy,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLinkedUser
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve linked user for %s: %v", ErrStoreFailure, clientApplicationID, err)
	}
	if deletedAt.Valid {
		user.DeletedAt = &deletedAt.Time
	}
	user.DeletedBy = deletedBy.String
	return &user, nil
}

// SaveUser inserts or updates a user.
func (s *Store) SaveUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, is_deleted, deleted_at, deleted_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id)
		DO UPDATE SET
			email = EXCLUDED.email,
			is_deleted = EXCLUDED.is_deleted,
			deleted_at = EXCLUDED.deleted_at,
			deleted_by = EXCLUDED.deleted_by
	`

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.IsDeleted,
		nullableTime(user.DeletedAt),
		nullableString(user.DeletedBy),
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save user %s: %v", ErrStoreFailure, user.ID, err)
	}
	return nil
}

// LinkUserToClient associates a resource-owner user with a client application.
func (s *Store) LinkUserToClient(ctx context.Context, userID, clientApplicationID string) error {
	query := `
		INSERT INTO user_client_application_links (user_id, client_application_id, created_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id, client_application_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, userID, clientApplicationID, time.Now()); err != nil {
		return fmt.Errorf("%w: link user %s to client %s: %v", ErrStoreFailure, userID, clientApplicationID, err)
	}
	return nil
}

// SoftDeleteClientApplication flags a client application as deleted. The row
// remains until the retention purge removes it.
func (s *Store) SoftDeleteClientApplication(ctx context.Context, id, deletedBy string) error {
	query := `
		UPDATE client_applications
		SET is_deleted = TRUE, deleted_at = $2, deleted_by = $3, modified_at = $2, modified_by = $3
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, time.Now(), deletedBy); err != nil {
		return fmt.Errorf("%w: soft delete client %s: %v", ErrStoreFailure, id, err)
	}
	return nil
}

// SoftDeleteUser flags a user as deleted.
func (s *Store) SoftDeleteUser(ctx context.Context, id, deletedBy string) error {
	query := `
		UPDATE users
		SET is_deleted = TRUE, deleted_at = $2, deleted_by = $3
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, time.Now(), deletedBy); err != nil {
		return fmt.Errorf("%w: soft delete user %s: %v", ErrStoreFailure, id, err)
	}
	return nil
}

// GetSession fetches a session row by its id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `
		SELECT session_id, user_id, ip_address, user_agent, status, created_at
		FROM sessions
		WHERE session_id = $1
	`

	var sess Session
	var ip, agent sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.SessionID,
		&sess.UserID,
		&ip,
		&agent,
		&sess.Status,
		&sess.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session %s: %v", ErrStoreFailure, sessionID, err)
	}
	sess.IPAddress = ip.String
	sess.UserAgent = agent.String
	return &sess, nil
}

// CreateSession persists a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (session_id, user_id, ip_address, user_agent, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.SessionID,
		sess.UserID,
		nullableString(sess.IPAddress),
		nullableString(sess.UserAgent),
		sess.Status,
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create session %s: %v", ErrStoreFailure, sess.SessionID, err)
	}
	return nil
}

// PurgeDeletedClientApplications hard-deletes soft-deleted client
// applications whose deletion timestamp is at or before the cutoff, along
// with their user links. Rows that are not soft-deleted are never touched.
func (s *Store) PurgeDeletedClientApplications(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeInTx(ctx,
		`DELETE FROM user_client_application_links
		 WHERE client_application_id IN (
			SELECT id FROM client_applications
			WHERE is_deleted = TRUE AND deleted_at <= $1
		 )`,
		`DELETE FROM client_applications
		 WHERE is_deleted = TRUE AND deleted_at <= $1`,
		cutoff,
	)
}

// PurgeDeletedUsers hard-deletes soft-deleted users past the cutoff, along
// with their client links.
func (s *Store) PurgeDeletedUsers(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeInTx(ctx,
		`DELETE FROM user_client_application_links
		 WHERE user_id IN (
			SELECT id FROM users
			WHERE is_deleted = TRUE AND deleted_at <= $1
		 )`,
		`DELETE FROM users
		 WHERE is_deleted = TRUE AND deleted_at <= $1`,
		cutoff,
	)
}

func (s *Store) purgeInTx(ctx context.Context, linkQuery, rowQuery string, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin purge: %v", ErrStoreFailure, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, linkQuery, cutoff); err != nil {
		return 0, fmt.Errorf("%w: purge links: %v", ErrStoreFailure, err)
	}

	var res sql.Result
	if res, err = tx.ExecContext(ctx, rowQuery, cutoff); err != nil {
		return 0, fmt.Errorf("%w: purge rows: %v", ErrStoreFailure, err)
	}
	removed, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit purge: %v", ErrStoreFailure, err)
	}
	return removed, nil
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func nullableTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *val, Valid: true}
}

func scanClientApplication(row *sql.Row) (*ClientApplication, error) {
	var app ClientApplication
	var deletedAt sql.NullTime
	var deletedBy, createdBy, modifiedBy sql.NullString
	err := row.Scan(
		&app.ID,
		&app.ClientID,
		&app.ClientSecretHash,
		&app.Name,
		&app.CallbackURI,
		&app.RedirectURI,
		&app.IsDeleted,
		&deletedAt,
		&deletedBy,
		&app.CreatedAt,
		&createdBy,
		&app.ModifiedAt,
		&modifiedBy,
	)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		app.DeletedAt = &deletedAt.Time
	}
	app.DeletedBy = deletedBy.String
	app.CreatedBy = createdBy.String
	app.ModifiedBy = modifiedBy.String
	return &app, nil
}
