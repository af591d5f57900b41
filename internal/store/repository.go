package store

import (
	"context"

	"github.com/relaypbx/relaypbx/internal/store/models"
)

// CDRFilters narrows CDR list and count queries. Zero values mean
// "no constraint".
type CDRFilters struct {
	CallID    string
	Caller    string // matches caller username or URI, substring
	Callee    string // matches callee username or URI, substring
	Direction string
	Status    string
	StartDate string // inclusive lower bound on start_time, RFC 3339
	EndDate   string // inclusive upper bound on start_time, RFC 3339
}

// CDRRepository persists call detail records. The call router logs and
// tolerates failures from every method. GetByID and GetByCallID report
// (nil, nil) for missing rows.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	Update(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, id string) (*models.CDR, error)
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	List(ctx context.Context, filters CDRFilters, limit, offset int) ([]models.CDR, error)
	Count(ctx context.Context, filters CDRFilters) (int64, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// UserRepository resolves digest credentials for the authenticator.
// FindCredentials returns the precomputed HA1 for (username, realm) under
// the given algorithm, or "" when the account is unknown or disabled.
type UserRepository interface {
	FindCredentials(ctx context.Context, username, realm, algorithm string) (string, error)
	Create(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	Delete(ctx context.Context, id int64) error
}
