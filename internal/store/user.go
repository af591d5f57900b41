package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/relaypbx/relaypbx/internal/store/models"
)

// userRepo implements UserRepository over the embedded SQLite database.
type userRepo struct {
	db *DB
}

// NewUserRepository creates the SQLite-backed user repository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

// FindCredentials returns the HA1 digest for (username, realm) under the
// given algorithm, or "" when the account is unknown or disabled.
func (r *userRepo) FindCredentials(ctx context.Context, username, realm, algorithm string) (string, error) {
	column := ha1Column(algorithm)
	if column == "" {
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}

	var ha1 string
	err := r.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM users WHERE username = ? AND realm = ? AND enabled = 1`,
		username, realm).Scan(&ha1)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up credentials: %w", err)
	}
	return ha1, nil
}

// Create inserts a new user account.
func (r *userRepo) Create(ctx context.Context, user *models.User) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, realm, ha1_md5, ha1_sha256, ha1_sha512, enabled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.Username, user.Realm, user.HA1MD5, user.HA1SHA256, user.HA1SHA512, user.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetByUsername returns a user by username, or (nil, nil) when absent.
func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, realm, ha1_md5, ha1_sha256, ha1_sha512, enabled, created_at
		 FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Realm, &u.HA1MD5, &u.HA1SHA256, &u.HA1SHA512, &u.Enabled, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return &u, nil
}

// List returns all user accounts.
func (r *userRepo) List(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, realm, ha1_md5, ha1_sha256, ha1_sha512, enabled, created_at
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Realm, &u.HA1MD5, &u.HA1SHA256, &u.HA1SHA512, &u.Enabled, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// Delete removes a user account by id.
func (r *userRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

// ha1Column maps a digest algorithm name to its users-table column.
func ha1Column(algorithm string) string {
	switch strings.ToUpper(algorithm) {
	case "MD5":
		return "ha1_md5"
	case "SHA-256":
		return "ha1_sha256"
	case "SHA-512":
		return "ha1_sha512"
	}
	return ""
}
