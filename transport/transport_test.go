package transport

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	return l
}

func TestDetectNamedPipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.sock")

	ln, err := DetectEnv(Env{PipePath: path}, testLog())
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, "unix", ln.Addr().Network())
	assert.Equal(t, path, ln.Addr().String())

	//the pipe wins even when a bind address is also present
	ln2, err := DetectEnv(Env{PipePath: filepath.Join(t.TempDir(), "b.sock"), BindAddr: "127.0.0.1:0"}, testLog())
	require.NoError(t, err)
	defer ln2.Close()
	assert.Equal(t, "unix", ln2.Addr().Network())
}

func TestDetectNamedPipeReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	first, err := net.Listen("unix", path)
	require.NoError(t, err)

	//leave the socket file behind, as a crash would
	first.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, first.Close())

	ln, err := DetectEnv(Env{PipePath: path}, testLog())
	require.NoError(t, err)
	defer ln.Close()
}

func TestDetectInetBind(t *testing.T) {
	ln, err := DetectEnv(Env{BindAddr: "127.0.0.1:0"}, testLog())
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, "tcp", ln.Addr().Network())
}

func TestDetectNothing(t *testing.T) {
	//no env, and fd 0 is not a listening socket under go test
	_, err := DetectEnv(Env{}, testLog())
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestReadEnv(t *testing.T) {
	t.Setenv("_FCGI_X_PIPE_", "/tmp/p")
	t.Setenv("FASTCGI4J_INET_BIND", "0.0.0.0:9000")
	t.Setenv("FCGI_WEB_SERVER_ADDRS", "10.0.0.1,10.0.0.2")

	e, err := ReadEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/p", e.PipePath)
	assert.Equal(t, "0.0.0.0:9000", e.BindAddr)
	assert.Equal(t, "10.0.0.1,10.0.0.2", e.WebServerAddrs)
}

func TestParsePeers(t *testing.T) {
	assert.Empty(t, parsePeers(""))

	allowed := parsePeers(" 10.0.0.1, 10.0.0.2 ,, 192.168.1.9")
	assert.Len(t, allowed, 3)
	assert.Contains(t, allowed, "10.0.0.1")
	assert.Contains(t, allowed, "192.168.1.9")
}

func TestPeerFilter(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ln, err := wrapPeerFilter(inner, "127.0.0.1", testLog())
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	conn := <-accepted
	defer conn.Close()

	assert.NotNil(t, conn)
}

func TestPeerFilterRejects(t *testing.T) {
	f := &peerFilter{allowed: parsePeers("10.9.8.7"), log: testLog()}

	assert.True(t, f.permit(&net.TCPAddr{IP: net.ParseIP("10.9.8.7"), Port: 1234}))
	assert.False(t, f.permit(&net.TCPAddr{IP: net.ParseIP("10.9.8.8"), Port: 1234}))
	assert.False(t, f.permit(nil))

	assert.True(t, f.permit(&net.UnixAddr{Name: "/run/app.sock", Net: "unix"}))
}

func TestUnfilteredWhenNoPeers(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer inner.Close()

	ln, err := wrapPeerFilter(inner, "", testLog())
	require.NoError(t, err)

	_, isFilter := ln.(*peerFilter)
	assert.False(t, isFilter)
}
