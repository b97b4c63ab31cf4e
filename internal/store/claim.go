package store

import (
	"context"
	"fmt"

	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claim is the idempotency ledger: one row per (job, operation key),
// created at most once. Presence of the row is the only signal consulted.
type Claim interface {
	Claim(ctx context.Context, tenantID, jobID, key string) (bool, error)
}

type ClaimStore struct {
	db *gorm.DB
}

// Make sure we conform to Claim interface
var _ Claim = (*ClaimStore)(nil)

func NewClaimStore(db *gorm.DB) Claim {
	return &ClaimStore{db: db}
}

// Claim transactionally creates the marker row. It returns true only for the
// first caller; concurrent duplicates racing on the same key observe false.
// A store error means the message must not be processed.
func (s *ClaimStore) Claim(ctx context.Context, tenantID, jobID, key string) (bool, error) {
	claim := model.Claim{
		TenantID: tenantID,
		JobID:    jobID,
		Key:      key,
	}

	result := s.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
	if result.Error != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *ClaimStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
