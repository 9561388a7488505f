package server

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	character_id INTEGER NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	created      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id                   TEXT PRIMARY KEY,
	access_token         TEXT NOT NULL UNIQUE,
	refresh_token        TEXT NOT NULL DEFAULT '',
	token_type           TEXT NOT NULL,
	character_id         INTEGER NOT NULL,
	character_name       TEXT NOT NULL,
	character_owner_hash TEXT NOT NULL,
	owner_id             TEXT NOT NULL DEFAULT '',
	created              INTEGER NOT NULL,
	updated              INTEGER NOT NULL,
	expires              INTEGER NOT NULL,
	invalid              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_credentials_character ON credentials(character_id);
CREATE INDEX IF NOT EXISTS idx_credentials_expires ON credentials(expires);

CREATE TABLE IF NOT EXISTS credential_scopes (
	credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
	scope         TEXT NOT NULL,
	PRIMARY KEY (credential_id, scope)
);

CREATE TABLE IF NOT EXISTS redirects (
	id          TEXT PRIMARY KEY,
	salt        TEXT NOT NULL,
	hash_string TEXT NOT NULL UNIQUE,
	session_key TEXT NOT NULL,
	url         TEXT NOT NULL,
	allow_auth  INTEGER NOT NULL,
	created     INTEGER NOT NULL,
	token_id    TEXT REFERENCES credentials(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_redirects_session ON redirects(session_key);

CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	created    INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store over a single SQLite file. The UNIQUE
// constraints on access_token and hash_string are the storage-level
// backstop the resolver relies on.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateCredential persists a new credential and its scope set.
func (s *SQLiteStore) CreateCredential(ctx context.Context, t *AccessToken) error {
	if t.ID == "" {
		t.ID = NewID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, token_type,
			character_id, character_name, character_owner_hash, owner_id,
			created, updated, expires, invalid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccessToken, t.RefreshToken, t.TokenType,
		t.CharacterID, t.CharacterName, t.CharacterOwnerHash, t.OwnerID,
		toMillis(t.Created), toMillis(t.Updated), toMillis(t.Expires), boolToInt(t.Invalid))
	if isUniqueViolation(err) {
		return fmt.Errorf("credential with access token: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	for scope := range t.Scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credential_scopes (credential_id, scope) VALUES (?, ?)`,
			t.ID, scope); err != nil {
			return fmt.Errorf("insert scope: %w", err)
		}
	}

	return tx.Commit()
}

const credentialColumns = `id, access_token, refresh_token, token_type,
	character_id, character_name, character_owner_hash, owner_id,
	created, updated, expires, invalid`

func (s *SQLiteStore) scanCredential(row interface {
	Scan(dest ...any) error
}) (*AccessToken, error) {
	var t AccessToken
	var created, updated, expires int64
	var invalid int
	err := row.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.TokenType,
		&t.CharacterID, &t.CharacterName, &t.CharacterOwnerHash, &t.OwnerID,
		&created, &updated, &expires, &invalid)
	if err != nil {
		return nil, err
	}
	t.Created = fromMillis(created)
	t.Updated = fromMillis(updated)
	t.Expires = fromMillis(expires)
	t.Invalid = invalid != 0
	return &t, nil
}

func (s *SQLiteStore) loadScopes(ctx context.Context, t *AccessToken) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope FROM credential_scopes WHERE credential_id = ?`, t.ID)
	if err != nil {
		return fmt.Errorf("load scopes: %w", err)
	}
	defer rows.Close()

	t.Scopes = make(ScopeSet)
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return fmt.Errorf("scan scope: %w", err)
		}
		t.Scopes[scope] = struct{}{}
	}
	return rows.Err()
}

// CredentialByID fetches a credential with its scopes.
func (s *SQLiteStore) CredentialByID(ctx context.Context, id string) (*AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	t, err := s.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	if err := s.loadScopes(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CredentialsByCharacter lists credentials for a character in ascending
// creation order.
func (s *SQLiteStore) CredentialsByCharacter(ctx context.Context, characterID int64) ([]*AccessToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE character_id = ? ORDER BY created, id`, characterID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*AccessToken
	for rows.Next() {
		t, err := s.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		if err := s.loadScopes(ctx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateCredential persists only the named fields of t.
func (s *SQLiteStore) UpdateCredential(ctx context.Context, t *AccessToken, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, field := range fields {
		if _, known := credentialFields[field]; !known {
			return fmt.Errorf("unknown credential field %q", field)
		}
		sets = append(sets, field+" = ?")
		switch field {
		case "access_token":
			args = append(args, t.AccessToken)
		case "refresh_token":
			args = append(args, t.RefreshToken)
		case "token_type":
			args = append(args, t.TokenType)
		case "character_id":
			args = append(args, t.CharacterID)
		case "character_name":
			args = append(args, t.CharacterName)
		case "character_owner_hash":
			args = append(args, t.CharacterOwnerHash)
		case "owner_id":
			args = append(args, t.OwnerID)
		case "updated":
			args = append(args, toMillis(t.Updated))
		case "expires":
			args = append(args, toMillis(t.Expires))
		case "invalid":
			args = append(args, boolToInt(t.Invalid))
		}
	}
	args = append(args, t.ID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("credential with access token: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteCredential removes a credential; scope rows and attached redirects
// cascade.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExpiredCredentials lists credentials past expiry.
func (s *SQLiteStore) ExpiredCredentials(ctx context.Context, now time.Time) ([]*AccessToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE expires <= ? ORDER BY created, id`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query expired credentials: %w", err)
	}
	defer rows.Close()

	var out []*AccessToken
	for rows.Next() {
		t, err := s.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		if err := s.loadScopes(ctx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddCredentialScopes grants scopes to a credential.
func (s *SQLiteStore) AddCredentialScopes(ctx context.Context, id string, scopes ScopeSet) error {
	for scope := range scopes {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO credential_scopes (credential_id, scope) VALUES (?, ?)`,
			id, scope); err != nil {
			return fmt.Errorf("add scope: %w", err)
		}
	}
	return nil
}

// RemoveCredentialScopes revokes scopes from a credential.
func (s *SQLiteStore) RemoveCredentialScopes(ctx context.Context, id string, scopes ScopeSet) error {
	for scope := range scopes {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM credential_scopes WHERE credential_id = ? AND scope = ?`,
			id, scope); err != nil {
			return fmt.Errorf("remove scope: %w", err)
		}
	}
	return nil
}

// CreateRedirect persists a pending-login record.
func (s *SQLiteStore) CreateRedirect(ctx context.Context, r *CallbackRedirect) error {
	if r.ID == "" {
		r.ID = NewID()
	}

	var tokenID any
	if r.TokenID != "" {
		tokenID = r.TokenID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redirects (id, salt, hash_string, session_key, url, allow_auth, created, token_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Salt, r.HashString, r.SessionKey, r.URL, boolToInt(r.AllowAuth),
		toMillis(r.Created), tokenID)
	if isUniqueViolation(err) {
		return fmt.Errorf("redirect with hash string: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert redirect: %w", err)
	}
	return nil
}

// RedirectByState fetches a pending-login record by its state value.
func (s *SQLiteStore) RedirectByState(ctx context.Context, hashString string) (*CallbackRedirect, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, salt, hash_string, session_key, url, allow_auth, created, token_id
		FROM redirects WHERE hash_string = ?`, hashString)

	var r CallbackRedirect
	var allowAuth int
	var created int64
	var tokenID sql.NullString
	err := row.Scan(&r.ID, &r.Salt, &r.HashString, &r.SessionKey, &r.URL, &allowAuth, &created, &tokenID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("redirect for state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query redirect: %w", err)
	}
	r.AllowAuth = allowAuth != 0
	r.Created = fromMillis(created)
	r.TokenID = tokenID.String
	return &r, nil
}

// SetRedirectToken attaches a resolved credential to the record.
func (s *SQLiteStore) SetRedirectToken(ctx context.Context, redirectID, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE redirects SET token_id = ? WHERE id = ?`, tokenID, redirectID)
	if err != nil {
		return fmt.Errorf("set redirect token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("redirect %s: %w", redirectID, ErrNotFound)
	}
	return nil
}

// DeleteRedirect removes a record, reporting whether this call removed it.
func (s *SQLiteStore) DeleteRedirect(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM redirects WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete redirect: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteRedirectBySession drops any pending-login record for a session.
func (s *SQLiteStore) DeleteRedirectBySession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM redirects WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("delete session redirects: %w", err)
	}
	return nil
}

// DeleteRedirectsBefore sweeps records older than the cutoff.
func (s *SQLiteStore) DeleteRedirectsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM redirects WHERE created < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep redirects: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveSession stores or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, user_id, created, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		sess.Key, sess.UserID, toMillis(sess.Created), toMillis(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by key.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, user_id, created, expires_at FROM sessions WHERE key = ?`, key)

	var sess Session
	var created, expiresAt int64
	err := row.Scan(&sess.Key, &sess.UserID, &created, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Created = fromMillis(created)
	sess.ExpiresAt = fromMillis(expiresAt)
	return &sess, nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CreateUser persists a local user principal.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, character_id, active, created)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.CharacterID, boolToInt(u.Active), toMillis(u.Created))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserByID fetches a user.
func (s *SQLiteStore) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, character_id, active, created FROM users WHERE id = ?`, id)

	var u User
	var active int
	var created int64
	err := row.Scan(&u.ID, &u.Name, &u.CharacterID, &active, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Active = active != 0
	u.Created = fromMillis(created)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
