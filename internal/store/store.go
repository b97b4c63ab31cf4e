package store

import (
	"context"

	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	Claim() Claim
	InitialMigration() error
	Close() error
}

type DataStore struct {
	db    *gorm.DB
	job   Job
	claim Claim
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:    db,
		job:   NewJobStore(db),
		claim: NewClaimStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Claim() Claim {
	return s.claim
}

func (s *DataStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Job{}, &model.JobURL{}, &model.JobEvidence{}, &model.Claim{})
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
