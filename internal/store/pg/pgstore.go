// Package pg implements the roles data-access contract on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

const pgErrForeignKeyViolation = "23503"

// Store holds the connection pool. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

var _ roles.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool defaults tuned for the propagation
// workload (short point queries, no long transactions).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", roles.ErrDataAccess, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) PersistOrgRole(ctx context.Context, userID, orgID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_org_roles(user_id, org_id, role)
		values ($1,$2,$3)
		on conflict (user_id, org_id) do update
		set role = excluded.role, updated_at = now()
	`, userID, orgID, role)
	if err != nil {
		return wrapDataAccess("persist org role", err)
	}
	return nil
}

func (s *Store) FetchCurrentOrgRole(ctx context.Context, userID, orgID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		select role from user_org_roles where user_id=$1 and org_id=$2
	`, userID, orgID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDataAccess("fetch org role", err)
	}
	return role, nil
}

func (s *Store) DeleteOrgRole(ctx context.Context, userID, orgID string) error {
	if _, err := s.db.ExecContext(ctx, `
		delete from user_org_roles where user_id=$1 and org_id=$2
	`, userID, orgID); err != nil {
		return wrapDataAccess("delete org role", err)
	}
	return nil
}

func (s *Store) PersistProjectRole(ctx context.Context, userID, projectID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_project_roles(user_id, project_id, role)
		values ($1,$2,$3)
		on conflict (user_id, project_id) do update
		set role = excluded.role, updated_at = now()
	`, userID, projectID, role)
	if err != nil {
		return wrapDataAccess("persist project role", err)
	}
	return nil
}

func (s *Store) FetchCurrentProjectRole(ctx context.Context, userID, projectID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		select role from user_project_roles where user_id=$1 and project_id=$2
	`, userID, projectID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDataAccess("fetch project role", err)
	}
	return role, nil
}

func (s *Store) DeleteProjectRole(ctx context.Context, userID, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `
		delete from user_project_roles where user_id=$1 and project_id=$2
	`, userID, projectID); err != nil {
		return wrapDataAccess("delete project role", err)
	}
	return nil
}

// wrapDataAccess maps driver failures onto the distinguishable error kind the
// service contract requires. Constraint violations keep their code visible.
func wrapDataAccess(op string, err error) error {
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: %s: unknown principal or scope (%s)", roles.ErrDataAccess, op, pgErr.Code)
	}
	return fmt.Errorf("%w: %s: %v", roles.ErrDataAccess, op, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
