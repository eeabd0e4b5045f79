package backend

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/harborhope/internal/roles"
	"github.com/tyemirov/harborhope/internal/session"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// MemberRole is assigned to every new profile.
const MemberRole = "member"

const minimumPasswordLength = 8

var (
	// ErrAccountExists indicates that the email is already registered.
	ErrAccountExists = errors.New("accounts.exists")
	// ErrAccountNotFound indicates that no account matched the lookup.
	ErrAccountNotFound = errors.New("accounts.not_found")
	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("accounts.invalid_email")
	// ErrWeakPassword indicates a password shorter than the minimum length.
	ErrWeakPassword = errors.New("accounts.weak_password")
	// ErrUnknownRole indicates a role outside admin and member.
	ErrUnknownRole = errors.New("accounts.unknown_role")
)

type accountRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	Email         string `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash  string `gorm:"column:password_hash;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

type profileRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	Email         string `gorm:"column:email;not null"`
	Role          string `gorm:"column:role;not null;default:'member'"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (profileRecord) TableName() string {
	return "profiles"
}

// AccountStore keeps password accounts and their profile rows.
type AccountStore struct {
	db         *gorm.DB
	bcryptCost int
}

// NewAccountStore constructs an AccountStore over database.
func NewAccountStore(database *Database) *AccountStore {
	return &AccountStore{db: database.db, bcryptCost: bcrypt.DefaultCost}
}

// SignUp registers an account and creates its member profile in one transaction.
func (store *AccountStore) SignUp(ctx context.Context, email string, password string) (session.Identity, error) {
	normalizedEmail, emailErr := normalizeEmail(email)
	if emailErr != nil {
		return session.Identity{}, emailErr
	}
	if len(password) < minimumPasswordLength {
		return session.Identity{}, fmt.Errorf("accounts.sign_up: %w", ErrWeakPassword)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), store.bcryptCost)
	if hashErr != nil {
		return session.Identity{}, fmt.Errorf("accounts.sign_up.hash: %w", hashErr)
	}

	now := time.Now().UTC().Unix()
	account := accountRecord{
		ID:            uuid.NewString(),
		Email:         normalizedEmail,
		PasswordHash:  string(passwordHash),
		CreatedAtUnix: now,
	}
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if err := transaction.Model(&accountRecord{}).Where("email = ?", normalizedEmail).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAccountExists
		}
		if err := transaction.Create(&account).Error; err != nil {
			return err
		}
		return transaction.Create(&profileRecord{
			ID:            account.ID,
			Email:         normalizedEmail,
			Role:          MemberRole,
			UpdatedAtUnix: now,
		}).Error
	})
	if transactionErr != nil {
		return session.Identity{}, fmt.Errorf("accounts.sign_up: %w", transactionErr)
	}
	return session.Identity{ID: account.ID, Email: normalizedEmail}, nil
}

// Authenticate verifies a password. Unknown emails and mismatches both yield session.ErrInvalidCredentials.
func (store *AccountStore) Authenticate(ctx context.Context, email string, password string) (session.Identity, error) {
	normalizedEmail, emailErr := normalizeEmail(email)
	if emailErr != nil {
		return session.Identity{}, fmt.Errorf("accounts.authenticate: %w", session.ErrInvalidCredentials)
	}
	var account accountRecord
	err := store.db.WithContext(ctx).Where("email = ?", normalizedEmail).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Identity{}, fmt.Errorf("accounts.authenticate: %w", session.ErrInvalidCredentials)
	}
	if err != nil {
		return session.Identity{}, fmt.Errorf("accounts.authenticate: %w", err)
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); compareErr != nil {
		return session.Identity{}, fmt.Errorf("accounts.authenticate: %w", session.ErrInvalidCredentials)
	}
	return session.Identity{ID: account.ID, Email: account.Email}, nil
}

// Identity loads the identity for userID.
func (store *AccountStore) Identity(ctx context.Context, userID string) (session.Identity, error) {
	var account accountRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Identity{}, fmt.Errorf("accounts.identity: %w", ErrAccountNotFound)
	}
	if err != nil {
		return session.Identity{}, fmt.Errorf("accounts.identity: %w", err)
	}
	return session.Identity{ID: account.ID, Email: account.Email}, nil
}

// SetRole assigns role to the profile of the account registered under email.
func (store *AccountStore) SetRole(ctx context.Context, email string, role string) error {
	if role != roles.AdminRole && role != MemberRole {
		return fmt.Errorf("accounts.set_role %q: %w", role, ErrUnknownRole)
	}
	normalizedEmail, emailErr := normalizeEmail(email)
	if emailErr != nil {
		return emailErr
	}
	result := store.db.WithContext(ctx).Model(&profileRecord{}).
		Where("email = ?", normalizedEmail).
		Updates(map[string]any{"role": role, "updated_at_unix": time.Now().UTC().Unix()})
	if result.Error != nil {
		return fmt.Errorf("accounts.set_role: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("accounts.set_role: %w", ErrAccountNotFound)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if trimmed == "" {
		return "", fmt.Errorf("accounts.email: %w", ErrInvalidEmail)
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", fmt.Errorf("accounts.email %q: %w", trimmed, ErrInvalidEmail)
	}
	return trimmed, nil
}
