package transport

import (
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// peerFilter rejects connections whose remote host is not on the web
// server allow-list before the engine ever sees them.
type peerFilter struct {
	net.Listener

	allowed map[string]struct{}
	log     logrus.FieldLogger
}

// wrapPeerFilter applies the FCGI_WEB_SERVER_ADDRS allow-list. An empty
// list means every peer is trusted and the listener is returned unwrapped.
func wrapPeerFilter(ln net.Listener, addrs string, log logrus.FieldLogger) (net.Listener, error) {
	allowed := parsePeers(addrs)
	if len(allowed) == 0 {
		return ln, nil
	}

	return &peerFilter{Listener: ln, allowed: allowed, log: log}, nil
}

func parsePeers(addrs string) map[string]struct{} {
	allowed := make(map[string]struct{})

	for _, a := range strings.Split(addrs, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}

		allowed[a] = struct{}{}
	}

	return allowed
}

// Accept implements net.Listener, dropping disallowed peers.
func (f *peerFilter) Accept() (net.Conn, error) {
	for {
		conn, err := f.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if f.permit(conn.RemoteAddr()) {
			return conn, nil
		}

		f.log.WithField("peer", conn.RemoteAddr().String()).
			Warn("connection from disallowed peer refused")
		_ = conn.Close()
	}
}

func (f *peerFilter) permit(addr net.Addr) bool {
	if addr == nil {
		return false
	}

	//Unix peers got past filesystem permissions already
	if addr.Network() == "unix" {
		return true
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	_, ok := f.allowed[host]

	return ok
}
