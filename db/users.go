// ABOUTME: Local user store operations
// ABOUTME: CRUD for users with JSON-encoded custom fields and tag lists
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/contactsync/models"
)

var ErrUserNotFound = errors.New("db: user not found")

// UserRepository provides CRUD operations for local users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, fields, tags, created_at, updated_at`

// Create inserts user and assigns its id. Emails are stored lowercased.
func (r *UserRepository) Create(ctx context.Context, user *models.LocalUser) error {
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("user email is required")
	}
	now := time.Now().UTC()
	user.Email = normalizeEmail(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now

	fields, tags, err := encodeUserExtras(user)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (email, name, fields, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.Email, user.Name, fields, tags, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read user id: %w", err)
	}
	user.ID = id
	return nil
}

// Get returns the user with id, or ErrUserNotFound.
func (r *UserRepository) Get(ctx context.Context, id int64) (*models.LocalUser, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByEmail returns the user with the given email, or nil when absent.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.LocalUser, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email))
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

// Update overwrites name, fields and tags.
func (r *UserRepository) Update(ctx context.Context, user *models.LocalUser) error {
	user.UpdatedAt = time.Now().UTC()
	fields, tags, err := encodeUserExtras(user)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET email = ?, name = ?, fields = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`, normalizeEmail(user.Email), user.Name, fields, tags, user.UpdatedAt, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Delete removes a user and, through the foreign key, its contact links.
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// List returns users ordered by id, skipping offset rows.
func (r *UserRepository) List(ctx context.Context, offset, limit int) ([]models.LocalUser, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return collectUsers(rows)
}

// ListAfter returns up to limit users with id greater than afterID, in id
// order. Deleting rows never shifts the position of later rows.
func (r *UserRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]models.LocalUser, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id > ? ORDER BY id LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]models.LocalUser, error) {
	defer func() { _ = rows.Close() }()
	var users []models.LocalUser
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// Count returns the number of local users.
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.LocalUser, error) {
	var u models.LocalUser
	var fields, tags string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &fields, &tags, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &u.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields for user %d: %w", u.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &u.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for user %d: %w", u.ID, err)
	}
	return &u, nil
}

func encodeUserExtras(u *models.LocalUser) (string, string, error) {
	fields := u.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	fb, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode user fields: %w", err)
	}
	tb, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode user tags: %w", err)
	}
	return string(fb), string(tb), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
