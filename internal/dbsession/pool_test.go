package dbsession_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/litewebserver/internal/dbsession"
)

func TestDBSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dbsession suite")
}

func openTestPool(t GinkgoTInterface, n int) *dbsession.Pool {
	dsn := "file:" + t.TempDir() + "/test.db?cache=shared"
	p, err := dbsession.Open(dbsession.DriverSQLite, dsn, n)
	Expect(err).ToNot(HaveOccurred())
	return p
}

var _ = Describe("Pool", func() {
	It("registers a user and then verifies their password", func() {
		p := openTestPool(GinkgoT(), 2)
		defer p.Close()

		ctx := context.Background()
		s, err := p.Acquire(ctx)
		Expect(err).ToNot(HaveOccurred())

		created, err := s.CreateUser(ctx, "alice", "secret0")
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeTrue())

		ok, err := s.VerifyUser(ctx, "alice", "secret0")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())

		ok, err = s.VerifyUser(ctx, "alice", "wrong")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())

		p.Release(s)
	})

	It("refuses a duplicate username", func() {
		p := openTestPool(GinkgoT(), 1)
		defer p.Close()

		ctx := context.Background()
		s, _ := p.Acquire(ctx)
		defer p.Release(s)

		_, _ = s.CreateUser(ctx, "bob", "p1")
		created, err := s.CreateUser(ctx, "bob", "p2")
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeFalse())
	})

	It("bounds concurrent acquisitions to the configured pool size", func() {
		p := openTestPool(GinkgoT(), 1)
		defer p.Close()

		ctx := context.Background()
		s1, err := p.Acquire(ctx)
		Expect(err).ToNot(HaveOccurred())

		ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(ctx2)
		Expect(err).To(HaveOccurred())

		p.Release(s1)
	})

	It("reports unknown users as not verified rather than erroring", func() {
		p := openTestPool(GinkgoT(), 1)
		defer p.Close()

		ctx := context.Background()
		s, _ := p.Acquire(ctx)
		defer p.Release(s)

		ok, err := s.VerifyUser(ctx, "nobody", "x")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
