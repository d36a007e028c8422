package pg

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestPersistOrgRoleUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into user_org_roles")).
		WithArgs("u1", "org1", "org_admin").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.PersistOrgRole(context.Background(), "u1", "org1", "org_admin"); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFetchCurrentOrgRole(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("select role from user_org_roles")).
		WithArgs("u1", "org1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("org_manager"))

	role, err := store.FetchCurrentOrgRole(context.Background(), "u1", "org1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if role != "org_manager" {
		t.Fatalf("expected org_manager, got %q", role)
	}
}

func TestFetchCurrentOrgRoleAbsentReturnsEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("select role from user_org_roles")).
		WithArgs("u1", "org1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}))

	role, err := store.FetchCurrentOrgRole(context.Background(), "u1", "org1")
	if err != nil {
		t.Fatalf("absent role must not be an error: %v", err)
	}
	if role != "" {
		t.Fatalf("expected empty role, got %q", role)
	}
}

func TestDeleteProjectRole(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from user_project_roles")).
		WithArgs("u1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteProjectRole(context.Background(), "u1", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDriverErrorsWrapDataAccess(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into user_project_roles")).
		WithArgs("u1", "p1", "project_viewer").
		WillReturnError(errors.New("connection reset"))

	err := store.PersistProjectRole(context.Background(), "u1", "p1", "project_viewer")
	if !errors.Is(err, roles.ErrDataAccess) {
		t.Fatalf("expected ErrDataAccess, got %v", err)
	}
}

func TestForeignKeyViolationSurfacesCode(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into user_org_roles")).
		WithArgs("ghost", "org1", "org_viewer").
		WillReturnError(&pgconn.PgError{Code: "23503"})

	err := store.PersistOrgRole(context.Background(), "ghost", "org1", "org_viewer")
	if !errors.Is(err, roles.ErrDataAccess) {
		t.Fatalf("expected ErrDataAccess, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown principal or scope") {
		t.Fatalf("constraint violation not mapped: %v", err)
	}
}
