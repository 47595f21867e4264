package service

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	stopped bool

	serveErr error
	block    chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{block: make(chan struct{})}
}

func (s *fakeService) Serve() error {
	<-s.block

	return s.serveErr
}

func (s *fakeService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.stopped = true
	close(s.block)
}

func (s *fakeService) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

func testLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	return l
}

func TestContainerRegistry(t *testing.T) {
	c := NewContainer(testLog())

	first := newFakeService()
	c.Register("engine", first)
	c.Register("metrics", newFakeService())

	assert.True(t, c.Has("engine"))
	assert.False(t, c.Has("transport"))
	assert.Equal(t, []string{"engine", "metrics"}, c.List())

	svc, status := c.Get("engine")
	assert.Equal(t, Service(first), svc)
	assert.Equal(t, StatusRegistered, status)

	_, status = c.Get("nope")
	assert.Equal(t, StatusUndefined, status)
}

func TestContainerServeUntilStopped(t *testing.T) {
	c := NewContainer(testLog())

	a := newFakeService()
	b := newFakeService()
	c.Register("a", a)
	c.Register("b", b)

	done := make(chan error, 1)
	go func() {
		done <- c.Serve()
	}()

	//both serving, nothing has failed yet
	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	assert.True(t, a.wasStopped())
	assert.True(t, b.wasStopped())
}

func TestContainerFailurePropagates(t *testing.T) {
	c := NewContainer(testLog())

	healthy := newFakeService()
	broken := newFakeService()
	broken.serveErr = errors.New("bind refused")

	c.Register("healthy", healthy)
	c.Register("broken", broken)

	done := make(chan error, 1)
	go func() {
		done <- c.Serve()
	}()

	//trip the broken service
	broken.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[broken]")
		assert.Contains(t, err.Error(), "bind refused")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not surface the failure")
	}

	assert.True(t, healthy.wasStopped(), "remaining services stop on failure")
}

func TestContainerServeEmpty(t *testing.T) {
	assert.NoError(t, NewContainer(testLog()).Serve())
}
