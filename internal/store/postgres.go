package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/common/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                BIGSERIAL PRIMARY KEY,
	username          TEXT NOT NULL UNIQUE,
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	deactivated       BOOLEAN NOT NULL DEFAULT FALSE,
	deleted           BOOLEAN NOT NULL DEFAULT FALSE,
	local_only        BOOLEAN NOT NULL DEFAULT FALSE,
	password_hash     TEXT NOT NULL DEFAULT '',
	two_factor_secret TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_password_sync (
	user_id   BIGINT NOT NULL REFERENCES users(id),
	target    TEXT NOT NULL,
	synced_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, target)
);

CREATE TABLE IF NOT EXISTS groups (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	local_only  BOOLEAN NOT NULL DEFAULT FALSE,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id BIGINT NOT NULL REFERENCES groups(id),
	user_id  BIGINT NOT NULL REFERENCES users(id),
	PRIMARY KEY (group_id, user_id)
);
`

const userColumns = `id, username, first_name, last_name, email, deactivated, deleted, local_only,
	password_hash, two_factor_secret, created_at, updated_at`

const groupSelect = `SELECT g.id, g.name, g.description, g.local_only, g.deleted, g.created_at, g.updated_at,
	COALESCE(array_agg(m.user_id ORDER BY m.user_id) FILTER (WHERE m.user_id IS NOT NULL), '{}')
	FROM groups g LEFT JOIN group_members m ON m.group_id = g.id`

// Postgres is the pgx-backed Store
type Postgres struct {
	db      *database.PostgresDB
	hasher  *Hasher
	checker AccessChecker
	logger  *zap.Logger
}

// NewPostgres creates a Postgres store on an open pool
func NewPostgres(db *database.PostgresDB, hasher *Hasher, checker AccessChecker, logger *zap.Logger) *Postgres {
	if hasher == nil {
		hasher = NewHasher()
	}
	return &Postgres{
		db:      db,
		hasher:  hasher,
		checker: checker,
		logger:  logger.With(zap.String("component", "store")),
	}
}

// EnsureSchema creates the tables when they do not exist
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email,
		&u.Deactivated, &u.Deleted, &u.LocalOnly, &u.PasswordHash, &u.TwoFactorSecret,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) SelectAllUsers(ctx context.Context, includeDeleted bool) ([]User, error) {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE $1 OR NOT deleted ORDER BY id`, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	index := make(map[int64]int)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		index[u.ID] = len(users)
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	syncRows, err := p.db.Pool.Query(ctx, `SELECT user_id, target, synced_at FROM user_password_sync`)
	if err != nil {
		return nil, fmt.Errorf("failed to query password sync state: %w", err)
	}
	defer syncRows.Close()
	for syncRows.Next() {
		var id int64
		var target string
		var at time.Time
		if err := syncRows.Scan(&id, &target, &at); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			if users[i].PasswordSyncedAt == nil {
				users[i].PasswordSyncedAt = make(map[string]time.Time)
			}
			users[i].PasswordSyncedAt[target] = at
		}
	}
	return users, syncRows.Err()
}

func (p *Postgres) loadSyncState(ctx context.Context, u *User) error {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT target, synced_at FROM user_password_sync WHERE user_id = $1`, u.ID)
	if err != nil {
		return fmt.Errorf("failed to query password sync state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var target string
		var at time.Time
		if err := rows.Scan(&target, &at); err != nil {
			return err
		}
		if u.PasswordSyncedAt == nil {
			u.PasswordSyncedAt = make(map[string]time.Time)
		}
		u.PasswordSyncedAt[target] = at
	}
	return rows.Err()
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(p.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", id, err)
	}
	return u, p.loadSyncState(ctx, u)
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(p.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return u, p.loadSyncState(ctx, u)
}

func (p *Postgres) InsertUser(ctx context.Context, user *User, checkAccess bool) error {
	if err := checkWrite(ctx, p.checker, checkAccess, "insert_user", user); err != nil {
		return err
	}
	err := p.db.Pool.QueryRow(ctx,
		`INSERT INTO users (username, first_name, last_name, email, deactivated, deleted, local_only, password_hash, two_factor_secret)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at, updated_at`,
		user.Username, user.FirstName, user.LastName, user.Email,
		user.Deactivated, user.Deleted, user.LocalOnly, user.PasswordHash, user.TwoFactorSecret,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user %q: %w", user.Username, mapPgError(err))
	}
	return nil
}

func (p *Postgres) UpdateUser(ctx context.Context, user *User, checkAccess bool) error {
	if err := checkWrite(ctx, p.checker, checkAccess, "update_user", user); err != nil {
		return err
	}
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE users SET first_name = $2, last_name = $3, email = $4, deactivated = $5,
		 deleted = $6, local_only = $7, updated_at = NOW() WHERE id = $1`,
		user.ID, user.FirstName, user.LastName, user.Email, user.Deactivated, user.Deleted, user.LocalOnly)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", user.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", user.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetAllGroups(ctx context.Context, includeDeleted bool) ([]Group, error) {
	rows, err := p.db.Pool.Query(ctx,
		groupSelect+` WHERE $1 OR NOT g.deleted GROUP BY g.id ORDER BY g.id`, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.LocalOnly, &g.Deleted,
		&g.CreatedAt, &g.UpdatedAt, &g.MemberIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *Postgres) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	g, err := scanGroup(p.db.Pool.QueryRow(ctx, groupSelect+` WHERE g.name = $1 GROUP BY g.id`, name))
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", name, err)
	}
	return g, nil
}

func (p *Postgres) InsertGroup(ctx context.Context, group *Group, checkAccess bool) error {
	if err := checkWrite(ctx, p.checker, checkAccess, "insert_group", group); err != nil {
		return err
	}
	err := p.db.Pool.QueryRow(ctx,
		`INSERT INTO groups (name, description, local_only, deleted) VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		group.Name, group.Description, group.LocalOnly, group.Deleted,
	).Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert group %q: %w", group.Name, mapPgError(err))
	}
	if len(group.MemberIDs) > 0 {
		return p.SetAssignedUsers(ctx, group.ID, group.MemberIDs)
	}
	return nil
}

func (p *Postgres) UpdateGroup(ctx context.Context, group *Group, checkAccess bool) error {
	if err := checkWrite(ctx, p.checker, checkAccess, "update_group", group); err != nil {
		return err
	}
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE groups SET description = $2, local_only = $3, deleted = $4, updated_at = NOW() WHERE id = $1`,
		group.ID, group.Description, group.LocalOnly, group.Deleted)
	if err != nil {
		return fmt.Errorf("failed to update group %d: %w", group.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %d: %w", group.ID, ErrNotFound)
	}
	return nil
}

// SetAssignedUsers replaces the group's members in one transaction
func (p *Postgres) SetAssignedUsers(ctx context.Context, groupID int64, userIDs []int64) error {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE groups SET updated_at = NOW() WHERE id = $1`, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("failed to clear members of group %d: %w", groupID, err)
	}
	if len(userIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id) SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`,
			groupID, userIDs); err != nil {
			return fmt.Errorf("failed to assign members to group %d: %w", groupID, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) VerifyPassword(ctx context.Context, username, secret string) (*User, error) {
	u, err := p.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.Enabled() {
		return nil, ErrInvalidCredentials
	}
	ok, err := p.hasher.Verify(secret, u.PasswordHash)
	if err != nil {
		p.logger.Warn("Unverifiable password hash", zap.Int64("user_id", u.ID), zap.Error(err))
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (p *Postgres) SetPassword(ctx context.Context, userID int64, secret string) error {
	hash, err := p.hasher.Hash(secret)
	if err != nil {
		return err
	}

	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_password_sync WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to reset password sync state: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) SetTwoFactorSecret(ctx context.Context, userID int64, secret string) error {
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE users SET two_factor_secret = $2, updated_at = NOW() WHERE id = $1`, userID, secret)
	if err != nil {
		return fmt.Errorf("failed to set two-factor secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) MarkPasswordSynced(ctx context.Context, userID int64, target string, at time.Time) error {
	_, err := p.db.Pool.Exec(ctx,
		`INSERT INTO user_password_sync (user_id, target, synced_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, target) DO UPDATE SET synced_at = EXCLUDED.synced_at`,
		userID, target, at)
	if err != nil {
		return fmt.Errorf("failed to mark password synced: %w", mapPgError(err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
