package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kinship-social/apiserver/types"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation           = "23505"
	pqInvalidTextRepresentation = "22P02"
)

const userColumns = `id, username, email, password_hash, first_name, last_name, bio, profile_picture,
		valid_tokens, invalid_tokens, created_at, updated_at`

// UserRepository handles persistence for users and their token ledgers.
type UserRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	var validJSON, invalidJSON []byte
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.Bio,
		&user.ProfilePicture,
		&validJSON,
		&invalidJSON,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return types.User{}, err
	}

	ledger, err := decodeLedger(validJSON, invalidJSON)
	if err != nil {
		return types.User{}, err
	}
	user.Ledger = ledger
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return types.User{}, mapError(err)
	}
	return user, nil
}

// GetByCredentials returns the user matching both username and email.
func (r *UserRepository) GetByCredentials(ctx context.Context, username, email string) (types.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE username = $1 AND email = $2`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, username, email))
	if err != nil {
		return types.User{}, mapError(err)
	}
	return user, nil
}

// ListExcept returns every user other than id, oldest first.
func (r *UserRepository) ListExcept(ctx context.Context, id string) ([]types.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id <> $1
		ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := r.now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Ledger = types.TokenLedger{}

	validJSON, invalidJSON, err := encodeLedger(user.Ledger)
	if err != nil {
		return types.User{}, err
	}

	const query = `
		INSERT INTO users (id, username, email, password_hash, first_name, last_name, bio, profile_picture,
			valid_tokens, invalid_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.Bio,
		user.ProfilePicture,
		validJSON,
		invalidJSON,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		return types.User{}, mapError(err)
	}
	return user, nil
}

// Update applies the non-nil fields of update and returns the stored user.
func (r *UserRepository) Update(ctx context.Context, id string, update types.UserUpdate) (types.User, error) {
	if update.Empty() {
		return r.GetByID(ctx, id)
	}

	query := `
		UPDATE users
		SET password_hash = COALESCE($2, password_hash),
			first_name = COALESCE($3, first_name),
			last_name = COALESCE($4, last_name),
			bio = COALESCE($5, bio),
			profile_picture = COALESCE($6, profile_picture),
			updated_at = $7
		WHERE id = $1
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(
		ctx,
		query,
		id,
		nullString(update.PasswordHash),
		nullString(update.FirstName),
		nullString(update.LastName),
		nullString(update.Bio),
		nullString(update.ProfilePicture),
		r.now(),
	))
	if err != nil {
		return types.User{}, mapError(err)
	}
	return user, nil
}

func (r *UserRepository) GetLedger(ctx context.Context, id string) (types.TokenLedger, error) {
	const query = `SELECT valid_tokens, invalid_tokens FROM users WHERE id = $1`
	var validJSON, invalidJSON []byte
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&validJSON, &invalidJSON); err != nil {
		return types.TokenLedger{}, mapError(err)
	}
	return decodeLedger(validJSON, invalidJSON)
}

// UpdateLedger runs mutate against the user's ledger while holding the row
// lock, so concurrent sign-ins and logouts for one user never overwrite
// each other's changes. Returning an error from mutate aborts the write.
func (r *UserRepository) UpdateLedger(ctx context.Context, id string, mutate func(*types.TokenLedger) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const selectQuery = `SELECT valid_tokens, invalid_tokens FROM users WHERE id = $1 FOR UPDATE`
	var validJSON, invalidJSON []byte
	if err = tx.QueryRowContext(ctx, selectQuery, id).Scan(&validJSON, &invalidJSON); err != nil {
		return mapError(err)
	}

	ledger, err := decodeLedger(validJSON, invalidJSON)
	if err != nil {
		return err
	}
	if err = mutate(&ledger); err != nil {
		return err
	}

	validJSON, invalidJSON, err = encodeLedger(ledger)
	if err != nil {
		return err
	}

	const updateQuery = `
		UPDATE users
		SET valid_tokens = $2,
			invalid_tokens = $3,
			updated_at = $4
		WHERE id = $1`
	if _, err = tx.ExecContext(ctx, updateQuery, id, validJSON, invalidJSON, r.now()); err != nil {
		return err
	}

	return tx.Commit()
}

func decodeLedger(validJSON, invalidJSON []byte) (types.TokenLedger, error) {
	var ledger types.TokenLedger
	if len(validJSON) > 0 {
		if err := json.Unmarshal(validJSON, &ledger.Valid); err != nil {
			return types.TokenLedger{}, fmt.Errorf("decode valid tokens: %w", err)
		}
	}
	if len(invalidJSON) > 0 {
		if err := json.Unmarshal(invalidJSON, &ledger.Invalid); err != nil {
			return types.TokenLedger{}, fmt.Errorf("decode invalid tokens: %w", err)
		}
	}
	return ledger, nil
}

func encodeLedger(ledger types.TokenLedger) ([]byte, []byte, error) {
	valid := ledger.Valid
	if valid == nil {
		valid = []types.TokenEntry{}
	}
	invalid := ledger.Invalid
	if invalid == nil {
		invalid = []string{}
	}

	validJSON, err := json.Marshal(valid)
	if err != nil {
		return nil, nil, err
	}
	invalidJSON, err := json.Marshal(invalid)
	if err != nil {
		return nil, nil, err
	}
	return validJSON, invalidJSON, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pqErr.Constraint)
		case pqInvalidTextRepresentation:
			// A malformed uuid can never match a row.
			return ErrNotFound
		}
	}
	return err
}
