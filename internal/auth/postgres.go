package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"oncopurpose.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var _ CredentialStore = (*PGStore)(nil)

// PGStore implements CredentialStore using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const principalColumns = `id, email, password_hash, full_name, company_name, role, tier, active, created_at, updated_at, last_login_at`

func (s *PGStore) Create(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals(id, email, password_hash, full_name, company_name, role, tier, active)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning created_at, updated_at
	`, p.ID, p.Email, p.PasswordHash, p.FullName, p.CompanyName, string(p.Role), string(p.Tier), p.Active)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where id=$1`, id)
	return scanPrincipal(row)
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where email=$1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanPrincipal(row)
}

func (s *PGStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// Update applies admin mutations; null parameters keep the stored value.
func (s *PGStore) Update(ctx context.Context, id string, upd PrincipalUpdate) (*Principal, error) {
	var role, tier sql.NullString
	var active sql.NullBool
	if upd.Role != nil {
		role = sql.NullString{String: string(*upd.Role), Valid: true}
	}
	if upd.Tier != nil {
		tier = sql.NullString{String: string(*upd.Tier), Valid: true}
	}
	if upd.Active != nil {
		active = sql.NullBool{Bool: *upd.Active, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		update principals
		set role = coalesce($2, role),
		    tier = coalesce($3, tier),
		    active = coalesce($4, active),
		    updated_at = now()
		where id = $1
		returning `+principalColumns, id, role, tier, active)
	return scanPrincipal(row)
}

func (s *PGStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update principals set last_login_at=$2 where id=$1`, id, at.UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func scanPrincipal(row *sql.Row) (*Principal, error) {
	var (
		p         Principal
		role      string
		tier      string
		lastLogin sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.FullName, &p.CompanyName,
		&role, &tier, &p.Active, &p.CreatedAt, &p.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Role = Role(role)
	p.Tier = Tier(tier)
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return &p, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
