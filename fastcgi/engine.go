package fastcgi

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config enumerates the engine options. The zero value takes defaults.
type Config struct {
	//MaxConns bounds simultaneous upstream connections; accepting stalls
	//at the cap.
	MaxConns int

	//MaxSessions bounds live sessions across all connections. A
	//BEGIN_REQUEST past the cap is answered FCGI_OVERLOADED.
	MaxSessions int

	//MaxSessionsPerConn bounds multiplexed sessions on one connection.
	//FCGI_MPXS_CONNS is reported as "1" iff this is above 1.
	MaxSessionsPerConn int

	//BufferSize is the default stdout buffer per session.
	BufferSize int

	//PipeRAMThreshold is the resident-memory allowance shared by every
	//spill pipe of the engine.
	PipeRAMThreshold int64

	//PipeMaxFileSize caps the file-backed bytes of one pipe; past it the
	//writer blocks until the reader drains.
	PipeMaxFileSize int64

	//SpillDir receives spill files; the OS temp directory when empty.
	SpillDir string

	//SpillFallback lets pipes run over the RAM allowance when a spill
	//file cannot be created, instead of aborting the stream.
	SpillFallback bool
}

const (
	defaultMaxConns           = 64
	defaultMaxSessions        = 256
	defaultMaxSessionsPerConn = 16
	defaultBufferSize         = 8192
	defaultPipeRAMThreshold   = 1 << 20
	defaultPipeMaxFileSize    = 1 << 30
)

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}

	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}

	if c.MaxSessionsPerConn <= 0 {
		c.MaxSessionsPerConn = defaultMaxSessionsPerConn
	}

	if c.BufferSize < minBufferSize {
		c.BufferSize = defaultBufferSize
	}

	if c.BufferSize > maxBufferSize {
		c.BufferSize = maxBufferSize
	}

	if c.PipeRAMThreshold <= 0 {
		c.PipeRAMThreshold = defaultPipeRAMThreshold
	}

	if c.PipeMaxFileSize <= 0 {
		c.PipeMaxFileSize = defaultPipeMaxFileSize
	}

	if c.SpillDir == "" {
		c.SpillDir = os.TempDir()
	}

	return c
}

// Handler serves one session. A nil return completes the session with app
// status 0 (or the Exit code); return a *SessionFailure for a recoverable
// failure; context cancellation and aborted stream reads count as an
// honoured interruption.
type Handler interface {
	Serve(req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) error

// Serve implements Handler
func (f HandlerFunc) Serve(req *Request) error {
	return f(req)
}

// Handlers installs up to one handler per role. A BEGIN_REQUEST for a role
// with no handler is answered FCGI_UNKNOWN_ROLE.
type Handlers struct {
	Responder  Handler
	Authorizer Handler
	Filter     Handler
}

// Engine accepts upstream connections and runs the per-connection state
// machines. One engine serves one application.
type Engine struct {
	cfg      Config
	handlers Handlers
	log      logrus.FieldLogger

	pipeCfg pipeConfig
	sessSem *semaphore.Weighted
	connSem *semaphore.Weighted

	metrics *Metrics

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds an engine from a configuration and the installed role
// handlers. log may be nil for a discarding logger.
func New(cfg Config, handlers Handlers, log logrus.FieldLogger) *Engine {
	cfg = cfg.withDefaults()

	if log == nil {
		l := logrus.New()
		l.SetOutput(nopWriter{})
		log = l
	}

	return &Engine{
		cfg:      cfg,
		handlers: handlers,
		log:      log,
		pipeCfg: pipeConfig{
			budget:   newMemBudget(cfg.PipeRAMThreshold),
			fileMax:  cfg.PipeMaxFileSize,
			dir:      cfg.SpillDir,
			fallback: cfg.SpillFallback,
		},
		sessSem: semaphore.NewWeighted(int64(cfg.MaxSessions)),
		connSem: semaphore.NewWeighted(int64(cfg.MaxConns)),
		conns:   make(map[*Conn]struct{}),
		done:    make(chan struct{}),
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// SetMetrics installs collectors; call before Serve.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// Config reports the effective configuration after defaulting.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) handlerFor(role Role) Handler {
	switch role {
	case RoleResponder:
		return e.handlers.Responder

	case RoleAuthorizer:
		return e.handlers.Authorizer

	case RoleFilter:
		return e.handlers.Filter

	default:
		return nil
	}
}

// Serve accepts connections from ln until Shutdown or a fatal listener
// error. Accepting stalls while the connection cap is reached.
func (e *Engine) Serve(ln net.Listener) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()

		return ErrEngineClosed
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-e.done:
			cancel()
			_ = ln.Close()

		case <-ctx.Done():
		}
	}()

	e.log.WithField("addr", ln.Addr().String()).Info("engine serving")

	for {
		if err := e.connSem.Acquire(ctx, 1); err != nil {
			return nil
		}

		rwc, err := ln.Accept()
		if err != nil {
			e.connSem.Release(1)

			select {
			case <-e.done:
				return nil
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				e.log.WithError(err).Warn("transient accept error")
				time.Sleep(10 * time.Millisecond)

				continue
			}

			return errors.Wrap(err, "accept")
		}

		e.wg.Add(1)

		go func() {
			defer e.wg.Done()
			defer e.connSem.Release(1)

			e.serveConn(rwc)
		}()
	}
}

// ServeConn runs the engine on a single already-established connection,
// blocking until it closes. It counts against the connection cap.
func (e *Engine) ServeConn(rwc net.Conn) error {
	if err := e.connSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer e.connSem.Release(1)

	e.wg.Add(1)
	defer e.wg.Done()

	e.serveConn(rwc)

	return nil
}

func (e *Engine) serveConn(rwc net.Conn) {
	c := newConn(e, rwc)

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		_ = rwc.Close()

		return
	}
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	e.observeConnOpen()

	c.serve()

	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()

	e.observeConnClose()
}

// Shutdown refuses new connections, drains live sessions, and closes when
// the last one completes or the context expires, whichever is first. On
// expiry remaining connections are closed outright.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()

		return ErrEngineClosed
	}

	e.draining = true
	live := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		live = append(live, c)
	}
	e.mu.Unlock()

	close(e.done)

	e.log.WithField("conns", len(live)).Info("engine draining")

	for _, c := range live {
		c.drain()
	}

	finished := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		e.log.Info("engine stopped")

		return nil

	case <-ctx.Done():
		e.mu.Lock()
		for c := range e.conns {
			_ = c.rwc.Close()
		}
		e.mu.Unlock()

		e.log.Warn("engine drain deadline expired, connections closed")

		return ctx.Err()
	}
}

func (e *Engine) observeConnOpen() {
	if e.metrics != nil {
		e.metrics.ConnsActive.Inc()
		e.metrics.ConnsTotal.Inc()
	}
}

func (e *Engine) observeConnClose() {
	if e.metrics != nil {
		e.metrics.ConnsActive.Dec()
	}
}

func (e *Engine) observeSessionStart() {
	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
		e.metrics.SessionsTotal.Inc()
	}
}

func (e *Engine) observeSessionEnd() {
	if e.metrics != nil {
		e.metrics.SessionsActive.Dec()
	}
}

func (e *Engine) observeRecordIn(t recType) {
	if e.metrics != nil {
		e.metrics.Records.WithLabelValues("in", t.String()).Inc()
	}
}

func (e *Engine) observeRecordOut(t recType) {
	if e.metrics != nil {
		e.metrics.Records.WithLabelValues("out", t.String()).Inc()
	}
}
