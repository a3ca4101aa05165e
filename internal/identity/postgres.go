package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"planora.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL through database/sql with the
// pgx stdlib driver.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Accounts(context.Context) AccountStore             { return &pgAccounts{db: s.db} }
func (s *PGStore) Tenants(context.Context) TenantStore               { return &pgTenants{db: s.db} }
func (s *PGStore) Memberships(context.Context) MembershipStore       { return &pgMemberships{db: s.db} }
func (s *PGStore) SecurityEvents(context.Context) SecurityEventStore { return &pgEvents{db: s.db} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Account store ------------------------------------------------------------

type pgAccounts struct{ db *sql.DB }

const accountColumns = `id, email, display_name, avatar_url, role, status,
 password_hash, federated_subject, two_factor_enabled, two_factor_secret,
 two_factor_pending, recovery_codes, failed_logins, locked_until,
 created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a           Account
		avatar      sql.NullString
		passwordH   sql.NullString
		fedSubject  sql.NullString
		secret      sql.NullString
		pending     sql.NullString
		lockedUntil sql.NullTime
		recovery    []byte
	)
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &avatar, &a.Role, &a.Status,
		&passwordH, &fedSubject, &a.TwoFactorEnabled, &secret,
		&pending, &recovery, &a.FailedLogins, &lockedUntil,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.AvatarURL = avatar.String
	a.PasswordHash = passwordH.String
	a.FederatedSubject = fedSubject.String
	a.TwoFactorSecret = secret.String
	a.TwoFactorPending = pending.String
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		a.LockedUntil = &t
	}
	if len(recovery) > 0 {
		a.RecoveryCodes = decodeTextArray(recovery)
	}
	return &a, nil
}

func (s *pgAccounts) Create(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, display_name, avatar_url, role, status,
		   password_hash, federated_subject)
		 values($1,$2,$3,nullif($4,''),$5,$6,nullif($7,''),nullif($8,''))`,
		a.ID, a.Email, a.DisplayName, a.AvatarURL, a.Role, a.Status,
		a.PasswordHash, a.FederatedSubject,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgAccounts) Find(ctx context.Context, id string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id))
}

func (s *pgAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, email))
}

func (s *pgAccounts) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`update accounts set
		   display_name = coalesce($2, display_name),
		   avatar_url   = coalesce($3, avatar_url),
		   updated_at   = now()
		 where id=$1
		 returning `+accountColumns,
		id, upd.DisplayName, upd.AvatarURL))
}

func (s *pgAccounts) SetPendingTwoFactorSecret(ctx context.Context, id, secret string) error {
	return s.exec(ctx,
		`update accounts set two_factor_pending=$2, updated_at=now() where id=$1`,
		id, secret)
}

func (s *pgAccounts) EnableTwoFactor(ctx context.Context, id, secret string, recoveryDigests []string) error {
	return s.exec(ctx,
		`update accounts set
		   two_factor_enabled=true,
		   two_factor_secret=$2,
		   two_factor_pending=null,
		   recovery_codes=$3,
		   updated_at=now()
		 where id=$1`,
		id, secret, encodeTextArray(recoveryDigests))
}

func (s *pgAccounts) DisableTwoFactor(ctx context.Context, id string) error {
	return s.exec(ctx,
		`update accounts set
		   two_factor_enabled=false,
		   two_factor_secret=null,
		   two_factor_pending=null,
		   recovery_codes=null,
		   updated_at=now()
		 where id=$1`,
		id)
}

func (s *pgAccounts) ConsumeRecoveryCode(ctx context.Context, id, digest string) (bool, error) {
	// array_remove in the same statement makes the consume atomic: two
	// concurrent submissions of the same code cannot both match.
	res, err := s.db.ExecContext(ctx,
		`update accounts set
		   recovery_codes = array_remove(recovery_codes, $2),
		   updated_at = now()
		 where id=$1 and $2 = any(recovery_codes)`,
		id, digest)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *pgAccounts) RecordFailedLogin(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	// Single-statement increment keeps concurrent failures serialized at the
	// row so the threshold is crossed exactly once.
	row := s.db.QueryRowContext(ctx,
		`update accounts set
		   failed_logins = failed_logins + 1,
		   locked_until = case
		     when failed_logins + 1 >= $2 and locked_until is null then $3
		     else locked_until
		   end,
		   updated_at = now()
		 where id=$1
		 returning failed_logins, locked_until`,
		id, threshold, lockUntil.UTC())
	var (
		count  int
		locked sql.NullTime
	)
	if err := row.Scan(&count, &locked); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	var lockedUntil *time.Time
	if locked.Valid {
		t := locked.Time.UTC()
		lockedUntil = &t
	}
	return count, lockedUntil, nil
}

func (s *pgAccounts) ResetLockout(ctx context.Context, id string) error {
	return s.exec(ctx,
		`update accounts set failed_logins=0, locked_until=null, updated_at=now() where id=$1`,
		id)
}

func (s *pgAccounts) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Tenant store -------------------------------------------------------------

type pgTenants struct{ db *sql.DB }

func (s *pgTenants) CreateWithOwner(ctx context.Context, t *Tenant, ownerID string) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`insert into tenants(id, name, plan) values($1,$2,$3)`,
		t.ID, t.Name, t.Plan,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into memberships(account_id, tenant_id, role, status)
		 values($1,$2,$3,$4)`,
		ownerID, t.ID, MemberRoleAdmin, MembershipActive,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgTenants) Find(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, plan, created_at, updated_at from tenants where id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *pgTenants) ListForAccount(ctx context.Context, accountID string) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select t.id, t.name, t.plan, t.created_at, t.updated_at
		 from tenants t
		 join memberships m on m.tenant_id = t.id
		 where m.account_id=$1 and m.status=$2
		 order by m.joined_at desc`,
		accountID, MembershipActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Membership store ---------------------------------------------------------

type pgMemberships struct{ db *sql.DB }

func (s *pgMemberships) Create(ctx context.Context, m *Membership) error {
	_, err := s.db.ExecContext(ctx,
		`insert into memberships(account_id, tenant_id, role, status)
		 values($1,$2,$3,$4)`,
		m.AccountID, m.TenantID, m.Role, m.Status,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgMemberships) Find(ctx context.Context, accountID, tenantID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select account_id, tenant_id, role, status, joined_at
		 from memberships where account_id=$1 and tenant_id=$2`,
		accountID, tenantID)
	var m Membership
	if err := row.Scan(&m.AccountID, &m.TenantID, &m.Role, &m.Status, &m.JoinedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *pgMemberships) ListByAccount(ctx context.Context, accountID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select account_id, tenant_id, role, status, joined_at
		 from memberships where account_id=$1 order by joined_at desc`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.AccountID, &m.TenantID, &m.Role, &m.Status, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Security event store -----------------------------------------------------

type pgEvents struct{ db *sql.DB }

func (s *pgEvents) Append(ctx context.Context, ev *SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into security_events(id, account_id, email, kind, source_addr,
		   user_agent, success, detail, occurred_at)
		 values($1,nullif($2,''),nullif($3,''),$4,nullif($5,''),nullif($6,''),$7,nullif($8,''),$9)`,
		ev.ID, ev.AccountID, ev.Email, ev.Kind, ev.SourceAddr,
		ev.UserAgent, ev.Success, ev.Detail, ev.OccurredAt.UTC(),
	)
	return err
}
