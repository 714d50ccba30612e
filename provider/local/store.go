package local

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountModel is a local identity account.
type AccountModel struct {
	bun.BaseModel `bun:"table:identity_accounts"`

	ID           uuid.UUID `bun:"id,pk,nullzero,type:uuid"`
	Email        string    `bun:"email,notnull,unique"`
	DisplayName  string    `bun:"display_name"`
	PasswordHash string    `bun:"password_hash"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// LinkedAccountModel binds a federated identity to a local account.
type LinkedAccountModel struct {
	bun.BaseModel `bun:"table:identity_links"`

	ID             uuid.UUID `bun:"id,pk,nullzero,type:uuid"`
	AccountID      uuid.UUID `bun:"account_id,notnull,type:uuid"`
	Provider       string    `bun:"provider,notnull,unique:provider_user"`
	ProviderUserID string    `bun:"provider_user_id,notnull,unique:provider_user"`
	Email          string    `bun:"email"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Store persists local accounts and their federated links.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// NewStore returns a store on db.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the account tables when missing.
func Migrate(ctx context.Context, db bun.IDB) error {
	for _, model := range []any{(*AccountModel)(nil), (*LinkedAccountModel)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*AccountModel, error) {
	return s.findAccount(ctx, "email", normalizeEmail(email))
}

func (s *Store) FindByID(ctx context.Context, id string) (*AccountModel, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{"id": id})
	}
	return s.findAccount(ctx, "id", parsed)
}

func (s *Store) findAccount(ctx context.Context, column string, value any) (*AccountModel, error) {
	model := &AccountModel{}
	err := s.db.NewSelect().
		Model(model).
		Where("? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{column: value})
		}
		return nil, err
	}
	return model, nil
}

func (s *Store) CreateAccount(ctx context.Context, account *AccountModel) (*AccountModel, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	account.Email = normalizeEmail(account.Email)
	now := s.now()
	account.CreatedAt = now
	account.UpdatedAt = now

	if _, err := s.db.NewInsert().Model(account).Exec(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Store) UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	res, err := s.db.NewUpdate().
		Model((*AccountModel)(nil)).
		Set("display_name = ?", name).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{"id": id})
	}
	return nil
}

// FindLink returns the link of a federated identity.
func (s *Store) FindLink(ctx context.Context, provider, providerUserID string) (*LinkedAccountModel, error) {
	model := &LinkedAccountModel{}
	err := s.db.NewSelect().
		Model(model).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{
				"provider":         provider,
				"provider_user_id": providerUserID,
			})
		}
		return nil, err
	}
	return model, nil
}

// Link binds a federated identity to accountID, replacing a previous link
// of the same identity.
func (s *Store) Link(ctx context.Context, accountID uuid.UUID, provider, providerUserID, email string) error {
	model := &LinkedAccountModel{
		ID:             uuid.New(),
		AccountID:      accountID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		Email:          normalizeEmail(email),
		CreatedAt:      s.now(),
	}
	_, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (provider, provider_user_id) DO UPDATE").
		Set("account_id = EXCLUDED.account_id").
		Set("email = EXCLUDED.email").
		Exec(ctx)
	return err
}

// Links lists the federated identities bound to accountID.
func (s *Store) Links(ctx context.Context, accountID uuid.UUID) ([]*LinkedAccountModel, error) {
	var models []*LinkedAccountModel
	err := s.db.NewSelect().
		Model(&models).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return models, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
