package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServeAndShutdown(t *testing.T) {
	s := New(0, nil)
	assert.NotNil(t, s)

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	s.SetServing(true)
	time.Sleep(50 * time.Millisecond)
	s.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("admin server did not stop")
	}
}

func TestSetServingBeforeServe(t *testing.T) {
	s := New(0, nil)
	assert.NotPanics(t, func() {
		s.SetServing(true)
		s.SetServing(false)
	})
	s.Shutdown()
}
