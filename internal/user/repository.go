package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rentdesk/messaging/internal/role"
)

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = "id, email, password, first_name, last_name, role, avatar_ref"

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	query := `INSERT INTO users (id, email, password, first_name, last_name, role, avatar_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query, u.ID, u.Email, u.Password, u.FirstName, u.LastName, string(u.Role), u.AvatarRef)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE email = $1"
	return r.scanOne(r.db.QueryRowContext(ctx, query, email))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = $1"
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *Repository) scanOne(row *sql.Row) (*User, error) {
	u := &User{}
	var roleStr string
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.FirstName, &u.LastName, &roleStr, &u.AvatarRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if u.Role, err = role.Parse(roleStr); err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, err)
	}
	return u, nil
}

// SearchUsers matches on name or email. Only users whose role may converse with
// viewerRole are returned.
func (r *Repository) SearchUsers(ctx context.Context, query string, viewerRole role.Role) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, email, first_name, last_name, role, avatar_ref FROM users
		WHERE (first_name ILIKE $1 OR last_name ILIKE $1 OR email ILIKE $1) AND role <> $2
		LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", string(viewerRole))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var roleStr string
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &roleStr, &u.AvatarRef); err != nil {
			return nil, err
		}
		if u.Role, err = role.Parse(roleStr); err != nil {
			continue
		}
		if role.CanConverse(viewerRole, u.Role) {
			users = append(users, u)
		}
	}
	return users, rows.Err()
}
