package service

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gofcgi/fcgiserve/fastcgi"
	"github.com/gofcgi/fcgiserve/transport"
)

// drain allowance once a stop is requested
const stopGrace = 30 * time.Second

// engineService runs a FastCGI engine on a discovered listener.
type engineService struct {
	eng *fastcgi.Engine
	ln  net.Listener
}

// Serve implements Service
func (s *engineService) Serve() error {
	return s.eng.Serve(s.ln)
}

// Stop implements Service
func (s *engineService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	_ = s.eng.Shutdown(ctx)
}

// metricsService exposes the engine collectors over HTTP.
type metricsService struct {
	addr string
	reg  *prometheus.Registry
	srv  *http.Server
}

// Serve implements Service
func (s *metricsService) Serve() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}

// Stop implements Service
func (s *metricsService) Stop() {
	if s.srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.srv.Shutdown(ctx)
}

// Build wires the runtime: discover the transport, construct the engine
// with the installed handlers, and register everything on a container.
func Build(cfg *Config, handlers fastcgi.Handlers, log logrus.FieldLogger) (*Container, *fastcgi.Engine, error) {
	ln, err := transport.Detect(log)
	if err != nil {
		return nil, nil, err
	}

	eng := fastcgi.New(cfg.Engine(), handlers, log)

	c := NewContainer(log)
	c.Register("engine", &engineService{eng: eng, ln: ln})

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		eng.SetMetrics(fastcgi.NewMetrics(reg))
		c.Register("metrics", &metricsService{addr: cfg.MetricsAddr, reg: reg})
	}

	return c, eng, nil
}
