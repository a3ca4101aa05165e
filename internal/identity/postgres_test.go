package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func accountRow(a *Account) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "email", "display_name", "avatar_url", "role", "status",
		"password_hash", "federated_subject", "two_factor_enabled", "two_factor_secret",
		"two_factor_pending", "recovery_codes", "failed_logins", "locked_until",
		"created_at", "updated_at",
	})
	rows.AddRow(a.ID, a.Email, a.DisplayName, a.AvatarURL, a.Role, a.Status,
		a.PasswordHash, a.FederatedSubject, a.TwoFactorEnabled, a.TwoFactorSecret,
		a.TwoFactorPending, []byte(encodeTextArray(a.RecoveryCodes)), a.FailedLogins, a.LockedUntil,
		a.CreatedAt, a.UpdatedAt)
	return rows
}

func TestPGFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	want := &Account{
		ID:               "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Email:            "pg@example.com",
		DisplayName:      "PG",
		Role:             RoleUser,
		Status:           StatusActive,
		PasswordHash:     "$2a$12$fake",
		TwoFactorEnabled: true,
		TwoFactorSecret:  "SECRET",
		RecoveryCodes:    []string{"aa11", "bb22"},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	mock.ExpectQuery("from accounts where email").
		WithArgs("pg@example.com").
		WillReturnRows(accountRow(want))

	got, err := store.Accounts(context.Background()).FindByEmail(context.Background(), "pg@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != want.ID || got.Email != want.Email || !got.TwoFactorEnabled {
		t.Fatalf("got %+v", got)
	}
	if len(got.RecoveryCodes) != 2 || got.RecoveryCodes[0] != "aa11" {
		t.Fatalf("recovery codes = %v", got.RecoveryCodes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from accounts where id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Accounts(context.Background()).Find(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPGCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"})

	err := store.Accounts(context.Background()).Create(context.Background(), &Account{
		ID:     "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Email:  "dup@example.com",
		Role:   RoleUser,
		Status: StatusActive,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestPGRecordFailedLogin(t *testing.T) {
	store, mock := newMockStore(t)
	until := time.Now().Add(30 * time.Minute).UTC()
	mock.ExpectQuery("returning failed_logins, locked_until").
		WithArgs("acct-1", 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins", "locked_until"}).AddRow(5, until))

	count, lockedUntil, err := store.Accounts(context.Background()).RecordFailedLogin(context.Background(), "acct-1", 5, until)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
	if lockedUntil == nil || !lockedUntil.Equal(until) {
		t.Fatalf("locked until = %v, want %v", lockedUntil, until)
	}
}

func TestPGConsumeRecoveryCode(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("array_remove").
		WithArgs("acct-1", "digest-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	used, err := store.Accounts(context.Background()).ConsumeRecoveryCode(context.Background(), "acct-1", "digest-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !used {
		t.Fatal("expected code to be consumed")
	}

	// Second attempt matches no row.
	mock.ExpectExec("array_remove").
		WithArgs("acct-1", "digest-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	used, err = store.Accounts(context.Background()).ConsumeRecoveryCode(context.Background(), "acct-1", "digest-1")
	if err != nil {
		t.Fatalf("consume again: %v", err)
	}
	if used {
		t.Fatal("consumed an already-spent code")
	}
}

func TestPGCreateTenantWithOwnerIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into tenants").
		WithArgs("tenant-1", "Acme", "free").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into memberships").
		WithArgs("acct-1", "tenant-1", MemberRoleAdmin, MembershipActive).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Tenants(context.Background()).CreateWithOwner(context.Background(), &Tenant{
		ID:   "tenant-1",
		Name: "Acme",
		Plan: "free",
	}, "acct-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGCreateTenantRollsBackOnMembershipFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into tenants").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into memberships").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.Tenants(context.Background()).CreateWithOwner(context.Background(), &Tenant{
		ID:   "tenant-1",
		Name: "Acme",
		Plan: "free",
	}, "acct-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTextArrayRoundTrip(t *testing.T) {
	digests := []string{"aa11", "bb22", "cc33"}
	got := decodeTextArray([]byte(encodeTextArray(digests)))
	if len(got) != 3 || got[0] != "aa11" || got[2] != "cc33" {
		t.Fatalf("round trip = %v", got)
	}
	if decodeTextArray([]byte("{}")) != nil {
		t.Fatal("empty array should decode to nil")
	}
	if encodeTextArray(nil) != "{}" {
		t.Fatal("nil should encode to {}")
	}
}
