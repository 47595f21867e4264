package fastcgi

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserveSessionFlow(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	server, client := net.Pipe()

	eng := New(Config{SpillDir: t.TempDir()}, Handlers{
		Responder: HandlerFunc(func(req *Request) error {
			return req.SetField("Content-Type", "text/plain")
		}),
	}, nil)
	eng.SetMetrics(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.ServeConn(server)
	}()

	c := NewClient(client)
	defer c.Close()

	resp, err := c.Do(&ClientRequest{Params: map[string]string{"REQUEST_METHOD": "GET"}})
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.AppStatus)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SessionsActive))

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.Records.WithLabelValues("in", "FCGI_BEGIN_REQUEST")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.Records.WithLabelValues("out", "FCGI_END_REQUEST")))
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	assert.Panics(t, func() { NewMetrics(reg) })
}
