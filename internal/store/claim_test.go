package store_test

import (
	"context"

	"github.com/evidenceworks/research-pipeline/internal/config"
	st "github.com/evidenceworks/research-pipeline/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("claim store", Ordered, func() {
	var (
		s      st.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = st.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration()).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	Context("claim", func() {
		It("first claim wins", func() {
			claimed, err := s.Claim().Claim(context.TODO(), "tenant-a", "job-1", "jobs:msg-1")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeTrue())
		})

		It("second claim of the same key loses", func() {
			claimed, err := s.Claim().Claim(context.TODO(), "tenant-a", "job-1", "jobs:msg-1")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeTrue())

			claimed, err = s.Claim().Claim(context.TODO(), "tenant-a", "job-1", "jobs:msg-1")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeFalse())
		})

		It("claims are scoped per key", func() {
			claimed, err := s.Claim().Claim(context.TODO(), "tenant-a", "job-1", "jobs:msg-1")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeTrue())

			claimed, err = s.Claim().Claim(context.TODO(), "tenant-a", "job-1", "evidence:msg-2")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeTrue())
		})

		It("claims are scoped per job", func() {
			claimed, err := s.Claim().Claim(context.TODO(), "tenant-a", "job-1", "jobs:msg-1")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeTrue())

			claimed, err = s.Claim().Claim(context.TODO(), "tenant-a", "job-2", "jobs:msg-1")
			Expect(err).To(BeNil())
			Expect(claimed).To(BeTrue())
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM job_claims;")
		})
	})
})
