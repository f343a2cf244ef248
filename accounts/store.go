package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/password"
	"github.com/google/uuid"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidEmail    = errors.New("invalid email")
	ErrAccountNotFound = errors.New("account not found")
)

// Account is a row of the accounts table. The password hash never leaves
// the package.
type Account struct {
	ID          string
	Email       string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// Store is a SQLite-backed codegate.Identity. Subjects are account ids and
// identifiers are email addresses compared case-insensitively.
type Store struct {
	db     *sql.DB
	hasher *password.Hasher
	now    func() time.Time
}

var _ codegate.Identity = (*Store)(nil)

func NewStore(db *sql.DB, hasher *password.Hasher) *Store {
	return &Store{db: db, hasher: hasher, now: time.Now}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || len(email) > 320 {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Create registers an unconfirmed account and returns its id.
func (s *Store) Create(ctx context.Context, email, plaintext string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, email, hash, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", ErrEmailTaken
		}
		return "", fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

// Get loads the account with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	var (
		account   Account
		createdAt int64
		confirmed sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at, confirmed_at FROM accounts WHERE id = ?`, id,
	).Scan(&account.ID, &account.Email, &createdAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	account.CreatedAt = time.UnixMilli(createdAt).UTC()
	if confirmed.Valid {
		at := time.UnixMilli(confirmed.Int64).UTC()
		account.ConfirmedAt = &at
	}
	return &account, nil
}

// CheckPassword reports whether plaintext matches the account's password.
// Unknown emails report false without error.
func (s *Store) CheckPassword(ctx context.Context, email, plaintext string) (bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return false, nil
	}

	var hash string
	err = s.db.QueryRowContext(ctx, `SELECT password_hash FROM accounts WHERE email = ?`, email).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load password hash: %w", err)
	}
	return s.hasher.Verify(plaintext, hash)
}

func (s *Store) ResolveSubject(ctx context.Context, identifier string) (string, error) {
	email, err := normalizeEmail(identifier)
	if err != nil {
		return "", codegate.ErrSubjectNotFound
	}

	var id string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE email = ?`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", codegate.ErrSubjectNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve subject: %w", err)
	}
	return id, nil
}

func (s *Store) ContactAddress(ctx context.Context, subjectID string) (string, error) {
	account, err := s.Get(ctx, subjectID)
	if err != nil {
		return "", err
	}
	return account.Email, nil
}

// PerformGatedAction rehashes the password for SetPassword and stamps
// confirmed_at for ConfirmAccount. Confirming twice keeps the first stamp.
func (s *Store) PerformGatedAction(ctx context.Context, subjectID string, action codegate.Action) error {
	now := s.now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	switch a := action.(type) {
	case codegate.SetPassword:
		hash, hashErr := s.hasher.Hash(a.NewPassword)
		if hashErr != nil {
			return hashErr
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ?`,
			hash, now, subjectID,
		)
	case codegate.ConfirmAccount:
		res, err = s.db.ExecContext(ctx,
			`UPDATE accounts SET confirmed_at = COALESCE(confirmed_at, ?), updated_at = ? WHERE id = ?`,
			now, now, subjectID,
		)
	default:
		return fmt.Errorf("unsupported action %T", action)
	}
	if err != nil {
		return fmt.Errorf("apply action: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply action: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
