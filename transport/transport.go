// Package transport discovers how the process was launched and yields the
// listener the engine consumes: a named pipe from the environment, an
// explicit bind address, or a socket inherited on file descriptor 0.
package transport

import (
	"net"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoTransport means no candidate matched the environment.
var ErrNoTransport = errors.New("transport: no transport available")

// Env is the launch contract with the web server.
type Env struct {
	//PipePath is where the runtime listens on a Unix-domain socket,
	//replacing a stale socket file left at that path.
	PipePath string `env:"_FCGI_X_PIPE_"`

	//BindAddr requests stand-alone operation on a TCP address.
	BindAddr string `env:"FASTCGI4J_INET_BIND"`

	//WebServerAddrs is the comma-separated peer allow-list.
	WebServerAddrs string `env:"FCGI_WEB_SERVER_ADDRS"`
}

// ReadEnv parses the launch contract from the process environment.
func ReadEnv() (Env, error) {
	var e Env

	if err := env.Parse(&e); err != nil {
		return Env{}, errors.Wrap(err, "transport environment")
	}

	return e, nil
}

// Candidate probes one launch mode. It returns (nil, nil) when the mode
// does not apply.
type Candidate func(e Env, log logrus.FieldLogger) (net.Listener, error)

// Candidates is the probe order: named pipe, explicit bind, inherited
// socket. The first listener wins.
func Candidates() []Candidate {
	return []Candidate{namedPipe, inetBind, inherited}
}

// Detect probes the environment and returns the first available listener,
// or ErrNoTransport.
func Detect(log logrus.FieldLogger) (net.Listener, error) {
	e, err := ReadEnv()
	if err != nil {
		return nil, err
	}

	return DetectEnv(e, log)
}

// DetectEnv is Detect with an explicit environment.
func DetectEnv(e Env, log logrus.FieldLogger) (net.Listener, error) {
	for _, probe := range Candidates() {
		ln, err := probe(e, log)
		if err != nil {
			return nil, err
		}

		if ln != nil {
			return ln, nil
		}
	}

	return nil, ErrNoTransport
}

func namedPipe(e Env, log logrus.FieldLogger) (net.Listener, error) {
	if e.PipePath == "" {
		return nil, nil
	}

	//a stale socket from a crashed predecessor refuses the bind
	if fi, err := os.Stat(e.PipePath); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(e.PipePath)
	}

	ln, err := net.Listen("unix", e.PipePath)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on pipe %s", e.PipePath)
	}

	log.WithField("path", e.PipePath).Info("transport: named pipe")

	return ln, nil
}

func inetBind(e Env, log logrus.FieldLogger) (net.Listener, error) {
	if e.BindAddr == "" {
		return nil, nil
	}

	ln, err := net.Listen("tcp", e.BindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", e.BindAddr)
	}

	log.WithField("addr", ln.Addr().String()).Info("transport: inet bind")

	return wrapPeerFilter(ln, e.WebServerAddrs, log)
}

func inherited(e Env, log logrus.FieldLogger) (net.Listener, error) {
	f := os.NewFile(0, "fcgi-listener")
	if f == nil {
		return nil, nil
	}

	//FileListener duplicates the descriptor; it fails unless fd 0 really
	//is a listening socket, which is our getsockname probe
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, nil
	}

	log.WithField("addr", ln.Addr().String()).Info("transport: inherited socket")

	return wrapPeerFilter(ln, e.WebServerAddrs, log)
}
