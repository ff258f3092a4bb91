package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func newTestCollector() *Collector {
	// Reset the default registry so repeated construction does not trip
	// duplicate registration.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return NewCollector()
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector()

	assert.NotNil(t, c)
	assert.NotNil(t, c.jobsAppended)
	assert.NotNil(t, c.jobsCoalesced)
	assert.NotNil(t, c.jobsDropped)
	assert.NotNil(t, c.jobsRun)
	assert.NotNil(t, c.batchSize)
	assert.NotNil(t, c.connsLinked)
	assert.NotNil(t, c.connsActive)
	assert.NotNil(t, c.connsTotal)
}

func TestRecordMethods(t *testing.T) {
	c := newTestCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			c.RecordJobAppended()
			c.RecordJobCoalesced()
			c.RecordJobDropped()
			c.RecordJobsRun(3)
			c.ConnLinked()
			c.ConnUnlinked()
			c.ConnOpened()
			c.ConnClosed()
		}
	})
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(0)
	assert.NotNil(t, s)
	assert.NoError(t, s.Shutdown())
}
