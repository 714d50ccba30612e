package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProfileModel is the Bun model for marketplace profiles. Shop details and
// the role request are stored as flat columns.
type ProfileModel struct {
	bun.BaseModel `bun:"table:profiles"`

	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid"`
	IdentityID    string     `bun:"identity_id,notnull,unique"`
	Name          string     `bun:"name"`
	Email         string     `bun:"email,notnull"`
	Phone         string     `bun:"phone"`
	Avatar        string     `bun:"avatar"`
	District      string     `bun:"district"`
	Upazila       string     `bun:"upazila"`
	Role          string     `bun:"role,notnull"`
	Status        string     `bun:"status,notnull"`
	ShopName      string     `bun:"shop_name"`
	ShopNumber    string     `bun:"shop_number"`
	ShopAddress   string     `bun:"shop_address"`
	ShopDistrict  string     `bun:"shop_district"`
	ShopUpazila   string     `bun:"shop_upazila"`
	RequestStatus string     `bun:"request_status,notnull"`
	RequestedAt   *time.Time `bun:"requested_at,nullzero"`
	LoginCount    int        `bun:"login_count,notnull"`
	Provisional   bool       `bun:"provisional,notnull"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Profiles persists auth.Profile records.
type Profiles interface {
	auth.RoleRequestStore

	FindByIdentity(ctx context.Context, identityID string) (*auth.Profile, error)
	FindByIdentityTx(ctx context.Context, tx bun.IDB, identityID string) (*auth.Profile, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*auth.Profile, error)
	FindByID(ctx context.Context, id string) (*auth.Profile, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id string) (*auth.Profile, error)
	Create(ctx context.Context, profile *auth.Profile) (*auth.Profile, error)
	CreateTx(ctx context.Context, tx bun.IDB, profile *auth.Profile) (*auth.Profile, error)
	Update(ctx context.Context, profile *auth.Profile) (*auth.Profile, error)
	UpdateTx(ctx context.Context, tx bun.IDB, profile *auth.Profile) (*auth.Profile, error)
	UpdateRoleRequestTx(ctx context.Context, tx bun.IDB, profile *auth.Profile) (*auth.Profile, error)
	// InTx returns a RoleRequestStore bound to tx.
	InTx(tx bun.IDB) auth.RoleRequestStore
}

type profiles struct {
	repository.Repository[*ProfileModel]
	db  *bun.DB
	now func() time.Time
}

var _ Profiles = (*profiles)(nil)

// ProfilesOption customizes the profile repository
type ProfilesOption func(*profiles)

// WithProfilesClock injects a custom clock (useful for tests).
func WithProfilesClock(clock func() time.Time) ProfilesOption {
	return func(p *profiles) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewProfilesRepository returns a bun backed profile store.
func NewProfilesRepository(db *bun.DB, opts ...ProfilesOption) Profiles {
	repo := repository.NewRepository[*ProfileModel](db, repository.ModelHandlers[*ProfileModel]{
		NewRecord: func() *ProfileModel { return &ProfileModel{} },
		GetID: func(m *ProfileModel) uuid.UUID {
			if m == nil {
				return uuid.Nil
			}
			return m.ID
		},
		SetID: func(m *ProfileModel, id uuid.UUID) {
			if m != nil {
				m.ID = id
			}
		},
		GetIdentifier: func() string {
			return "identity_id"
		},
	})

	p := &profiles{
		Repository: repo,
		db:         db,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// ProfileID derives the deterministic profile id of an identity, so
// concurrent first syncs converge on the same record.
func ProfileID(identityID string) uuid.UUID {
	if id, err := hashid.NewUUID(strings.TrimSpace(identityID)); err == nil {
		return id
	}
	return uuid.New()
}

func (r *profiles) FindByIdentity(ctx context.Context, identityID string) (*auth.Profile, error) {
	return r.FindByIdentityTx(ctx, r.db, identityID)
}

func (r *profiles) FindByIdentityTx(ctx context.Context, tx bun.IDB, identityID string) (*auth.Profile, error) {
	return r.findTx(ctx, tx, "identity_id", strings.TrimSpace(identityID))
}

func (r *profiles) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*auth.Profile, error) {
	return r.findTx(ctx, tx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (r *profiles) FindByID(ctx context.Context, id string) (*auth.Profile, error) {
	return r.FindByIDTx(ctx, r.db, id)
}

func (r *profiles) FindByIDTx(ctx context.Context, tx bun.IDB, id string) (*auth.Profile, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{"id": id})
	}
	return r.findTx(ctx, tx, "id", parsed)
}

func (r *profiles) findTx(ctx context.Context, tx bun.IDB, column string, value any) (*auth.Profile, error) {
	model := &ProfileModel{}
	err := tx.NewSelect().
		Model(model).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{column: value})
		}
		return nil, err
	}
	return ToProfile(model), nil
}

func (r *profiles) Create(ctx context.Context, profile *auth.Profile) (*auth.Profile, error) {
	return r.CreateTx(ctx, r.db, profile)
}

func (r *profiles) CreateTx(ctx context.Context, tx bun.IDB, profile *auth.Profile) (*auth.Profile, error) {
	if err := profile.CheckInvariants(); err != nil {
		return nil, err
	}

	model := FromProfile(profile)
	if model.ID == uuid.Nil {
		model.ID = ProfileID(model.IdentityID)
	}
	now := r.now()
	model.CreatedAt = now
	model.UpdatedAt = now

	created, err := r.Repository.CreateTx(ctx, tx, model)
	if err != nil {
		return nil, err
	}
	return ToProfile(created), nil
}

func (r *profiles) Update(ctx context.Context, profile *auth.Profile) (*auth.Profile, error) {
	return r.UpdateTx(ctx, r.db, profile)
}

func (r *profiles) UpdateTx(ctx context.Context, tx bun.IDB, profile *auth.Profile) (*auth.Profile, error) {
	if err := profile.CheckInvariants(); err != nil {
		return nil, err
	}

	model := FromProfile(profile)
	if model.ID == uuid.Nil {
		return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{"id": profile.ID})
	}
	model.UpdatedAt = r.now()

	if _, err := r.Repository.UpdateTx(ctx, tx, model, repository.UpdateByID(model.ID.String())); err != nil {
		return nil, err
	}
	return r.FindByIDTx(ctx, tx, model.ID.String())
}

// UpdateRoleRequest implements auth.RoleRequestStore.
func (r *profiles) UpdateRoleRequest(ctx context.Context, profile *auth.Profile) (*auth.Profile, error) {
	return r.UpdateRoleRequestTx(ctx, r.db, profile)
}

func (r *profiles) UpdateRoleRequestTx(ctx context.Context, tx bun.IDB, profile *auth.Profile) (*auth.Profile, error) {
	return r.UpdateTx(ctx, tx, profile)
}

func (r *profiles) InTx(tx bun.IDB) auth.RoleRequestStore {
	return txRoleRequestStore{repo: r, tx: tx}
}

type txRoleRequestStore struct {
	repo *profiles
	tx   bun.IDB
}

func (s txRoleRequestStore) UpdateRoleRequest(ctx context.Context, profile *auth.Profile) (*auth.Profile, error) {
	return s.repo.UpdateRoleRequestTx(ctx, s.tx, profile)
}

// ToProfile maps a model to the domain profile
func ToProfile(m *ProfileModel) *auth.Profile {
	if m == nil {
		return nil
	}

	p := &auth.Profile{
		ID:         m.ID.String(),
		IdentityID: m.IdentityID,
		Name:       m.Name,
		Email:      m.Email,
		Phone:      m.Phone,
		Avatar:     m.Avatar,
		District:   m.District,
		Upazila:    m.Upazila,
		Role:       m.Role,
		Status:     m.Status,
		RoleRequest: auth.RoleRequest{
			Status:      m.RequestStatus,
			RequestedAt: m.RequestedAt,
		},
		LoginCount:  m.LoginCount,
		Provisional: m.Provisional,
	}

	shop := &auth.ShopDetails{
		ShopName:    m.ShopName,
		ShopNumber:  m.ShopNumber,
		ShopAddress: m.ShopAddress,
		District:    m.ShopDistrict,
		Upazila:     m.ShopUpazila,
	}
	if !shop.IsEmpty() {
		p.ShopDetails = shop
	}

	if !m.CreatedAt.IsZero() {
		at := m.CreatedAt
		p.CreatedAt = &at
	}
	if !m.UpdatedAt.IsZero() {
		at := m.UpdatedAt
		p.UpdatedAt = &at
	}

	p.EnsureDefaults()
	return p
}

// FromProfile maps a domain profile to its model
func FromProfile(p *auth.Profile) *ProfileModel {
	if p == nil {
		return &ProfileModel{}
	}

	clone := p.Clone()
	clone.EnsureDefaults()

	m := &ProfileModel{
		IdentityID:    clone.IdentityID,
		Name:          clone.Name,
		Email:         strings.ToLower(strings.TrimSpace(clone.Email)),
		Phone:         clone.Phone,
		Avatar:        clone.Avatar,
		District:      clone.District,
		Upazila:       clone.Upazila,
		Role:          clone.Role,
		Status:        clone.Status,
		RequestStatus: clone.RoleRequest.Status,
		RequestedAt:   clone.RoleRequest.RequestedAt,
		LoginCount:    clone.LoginCount,
		Provisional:   clone.Provisional,
	}

	if id, err := uuid.Parse(clone.ID); err == nil {
		m.ID = id
	}

	if s := clone.ShopDetails; s != nil {
		m.ShopName = s.ShopName
		m.ShopNumber = s.ShopNumber
		m.ShopAddress = s.ShopAddress
		m.ShopDistrict = s.District
		m.ShopUpazila = s.Upazila
	}

	if clone.CreatedAt != nil {
		m.CreatedAt = *clone.CreatedAt
	}
	if clone.UpdatedAt != nil {
		m.UpdatedAt = *clone.UpdatedAt
	}

	return m
}
