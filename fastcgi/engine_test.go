package fastcgi

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTCPEngine(t *testing.T, cfg Config, handlers Handlers) (addr string, eng *Engine) {
	t.Helper()

	cfg.SpillDir = t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	eng = New(cfg, handlers, nil)

	served := make(chan error, 1)
	go func() {
		served <- eng.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = eng.Shutdown(ctx)

		select {
		case err := <-served:
			assert.NoError(t, err)

		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})

	return ln.Addr().String(), eng
}

func echoHandler(req *Request) error {
	if err := req.SetField("Content-Type", "text/plain"); err != nil {
		return err
	}

	body, err := io.ReadAll(req.Stdin())
	if err != nil {
		return err
	}

	_, err = req.Stdout().Write(body)

	return err
}

func TestEngineOverTCP(t *testing.T) {
	addr, _ := startTCPEngine(t, Config{}, Handlers{Responder: HandlerFunc(echoHandler)})

	client, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Do(&ClientRequest{
		Params:   map[string]string{"REQUEST_METHOD": "POST"},
		Stdin:    strings.NewReader("ping"),
		KeepConn: true,
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(0), resp.AppStatus)
	assert.Equal(t, statusRequestComplete, resp.ProtocolStatus)
	assert.True(t, bytes.HasSuffix(resp.Stdout, []byte("\r\n\r\nping")))

	//keep-conn: the same connection serves another request
	resp, err = client.Do(&ClientRequest{
		Params:   map[string]string{"REQUEST_METHOD": "POST"},
		Stdin:    strings.NewReader("pong"),
		KeepConn: true,
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(resp.Stdout, []byte("\r\n\r\npong")))
}

func TestClientGetValues(t *testing.T) {
	addr, _ := startTCPEngine(t, Config{MaxConns: 3, MaxSessions: 9, MaxSessionsPerConn: 3}, Handlers{})

	client, err := Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	values, err := client.GetValues(keyMaxConns, keyMaxReqs, keyMpxsConns)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		keyMaxConns:  "3",
		keyMaxReqs:   "9",
		keyMpxsConns: "1",
	}, values)
}

func TestEngineSessionCap(t *testing.T) {
	release := make(chan struct{})

	addr, _ := startTCPEngine(t, Config{MaxSessions: 1, MaxSessionsPerConn: 8}, Handlers{
		Responder: HandlerFunc(func(req *Request) error {
			select {
			case <-release:
				return nil

			case <-req.Context().Done():
				return req.Context().Err()
			}
		}),
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	//first session occupies the only slot
	require.NoError(t, writeRecord(conn, typeBeginRequest, 1, beginRequestContent(RoleResponder, true)))
	require.NoError(t, writeRecord(conn, typeParams, 1, nil))

	//second session must be refused as overloaded
	require.NoError(t, writeRecord(conn, typeBeginRequest, 2, beginRequestContent(RoleResponder, true)))

	br := bufio.NewReader(conn)

	var rec record
	require.NoError(t, rec.read(br))
	assert.Equal(t, typeEndRequest, rec.h.Type)
	assert.Equal(t, uint16(2), rec.h.ID)

	body, err := parseEndRequest(rec.content())
	require.NoError(t, err)
	assert.Equal(t, statusOverloaded, body.protocolStatus)

	close(release)
}

func TestEngineShutdownDrains(t *testing.T) {
	entered := make(chan struct{})
	finish := make(chan struct{})

	addr, eng := startTCPEngine(t, Config{}, Handlers{
		Responder: HandlerFunc(func(req *Request) error {
			close(entered)
			<-finish

			return req.SetField("Content-Type", "text/plain")
		}),
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeRecord(conn, typeBeginRequest, 1, beginRequestContent(RoleResponder, false)))
	require.NoError(t, writeRecord(conn, typeParams, 1, nil))
	require.NoError(t, writeRecord(conn, typeStdin, 1, nil))

	<-entered

	var (
		wg          sync.WaitGroup
		shutdownErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		shutdownErr = eng.Shutdown(ctx)
	}()

	//the live session keeps running through the drain
	time.Sleep(20 * time.Millisecond)
	close(finish)

	wg.Wait()
	assert.NoError(t, shutdownErr)

	//the session's reply made it out before the close
	br := bufio.NewReader(conn)

	sawEnd := false
	for {
		var rec record
		if err := rec.read(br); err != nil {
			break
		}

		if rec.h.Type == typeEndRequest {
			sawEnd = true
		}
	}

	assert.True(t, sawEnd, "drained session must still answer END_REQUEST")
}

func TestEngineRefusesAfterShutdown(t *testing.T) {
	cfg := Config{}
	cfg.SpillDir = t.TempDir()

	eng := New(cfg, Handlers{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, eng.Shutdown(ctx))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, ErrEngineClosed, eng.Serve(ln))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, defaultMaxConns, cfg.MaxConns)
	assert.Equal(t, defaultMaxSessions, cfg.MaxSessions)
	assert.Equal(t, defaultMaxSessionsPerConn, cfg.MaxSessionsPerConn)
	assert.Equal(t, defaultBufferSize, cfg.BufferSize)
	assert.NotEmpty(t, cfg.SpillDir)

	tuned := Config{MaxConns: 2, BufferSize: 1 << 30}.withDefaults()
	assert.Equal(t, 2, tuned.MaxConns)
	assert.Equal(t, maxBufferSize, tuned.BufferSize)
}
