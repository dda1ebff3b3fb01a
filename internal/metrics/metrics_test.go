package metrics_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nabbar/litewebserver/internal/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "metrics suite")
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

var _ = Describe("Registry", func() {
	It("registers collectors and records events without panicking", func() {
		reg := prometheus.NewRegistry()
		r := metrics.New(reg)

		r.ConnectionAccepted()
		r.ConnectionAccepted()
		r.ConnectionClosed("peer-reset")
		r.RequestServed(200)
		r.RequestServed(404)
		r.TimerEvicted()
		r.PoolWaitObserved(5 * time.Millisecond)

		families, err := reg.Gather()
		Expect(err).ToNot(HaveOccurred())
		Expect(families).ToNot(BeEmpty())

		var found bool
		for _, f := range families {
			if f.GetName() == "litewebserver_connections_accepted_total" {
				found = true
				Expect(f.GetMetric()[0].GetCounter().GetValue()).To(Equal(2.0))
			}
		}
		Expect(found).To(BeTrue())
	})

	It("exposes a Noop recorder that is safe to call", func() {
		n := metrics.Noop()
		Expect(func() {
			n.ConnectionAccepted()
			n.ConnectionClosed("x")
			n.RequestServed(200)
			n.TimerEvicted()
			n.PoolWaitObserved(time.Millisecond)
		}).ToNot(Panic())
	})
})
