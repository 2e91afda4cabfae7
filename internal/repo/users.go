package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bitacora/internal/domain"
)

const userColumns = `id,full_name,project_role,app_role,entity,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var role, appRole, entity string
	if err := scan(&u.ID, &u.FullName, &role, &appRole, &entity, &u.CreatedAt); err != nil {
		return u, err
	}
	u.ProjectRole = domain.ProjectRole(role)
	u.AppRole = domain.AppRole(appRole)
	u.Entity = domain.Entity(entity)
	return u, nil
}

// InsertUser stores a user. passwordHash may be empty for users that never sign
// with a credential.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User, passwordHash string) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,full_name,project_role,app_role,entity,password_hash,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.FullName, string(u.ProjectRole), string(u.AppRole), string(u.Entity), nullable(passwordHash), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// GetUsers loads the listed users in the given order. A missing id is an error.
func (r Repo) GetUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[string]domain.User{}
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		out = append(out, u)
	}
	return out, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetPasswordHash(ctx context.Context, tx *sql.Tx, id, hash string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, nullable(hash), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
