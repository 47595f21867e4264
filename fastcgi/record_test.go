package fastcgi

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("x"),
		[]byte("12345678"),
		bytes.Repeat([]byte("abc"), 1000),
		bytes.Repeat([]byte{0xff}, maxWrite),
	}

	for _, payload := range payloads {
		var buf bytes.Buffer

		require.NoError(t, writeRecord(&buf, typeStdout, 42, payload))
		assert.Zero(t, buf.Len()%8, "wire length must be 8-aligned, got %d", buf.Len())

		var rec record
		require.NoError(t, rec.read(&buf))

		assert.Equal(t, typeStdout, rec.h.Type)
		assert.Equal(t, uint16(42), rec.h.ID)
		assert.Equal(t, payload, append([]byte(nil), rec.content()...))
		assert.Zero(t, buf.Len(), "decoder must consume padding")
	}
}

func TestRecordRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, typeStdin, 1, []byte("data")))

	raw := buf.Bytes()
	raw[0] = 9

	var rec record
	err := rec.read(bytes.NewReader(raw))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestRecordShortReadFails(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, typeStdin, 1, []byte("some content here")))

	raw := buf.Bytes()[:buf.Len()-3]

	var rec record
	assert.Error(t, rec.read(bytes.NewReader(raw)))
}

func TestBeginRequestBody(t *testing.T) {
	content := beginRequestContent(RoleAuthorizer, true)
	require.Len(t, content, 8)

	body, err := parseBeginRequest(content)
	require.NoError(t, err)
	assert.Equal(t, RoleAuthorizer, body.role)
	assert.True(t, body.keepConn)

	body, err = parseBeginRequest(beginRequestContent(RoleResponder, false))
	require.NoError(t, err)
	assert.Equal(t, RoleResponder, body.role)
	assert.False(t, body.keepConn)

	_, err = parseBeginRequest([]byte{0, 1})
	assert.Error(t, err)
}

func TestEndRequestBody(t *testing.T) {
	content := endRequestContent(7, statusOverloaded)
	require.Len(t, content, 8)

	body, err := parseEndRequest(content)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), body.appStatus)
	assert.Equal(t, statusOverloaded, body.protocolStatus)
}

func TestPaddingRestoresAlignment(t *testing.T) {
	for n := 0; n <= 16; n++ {
		var h header
		h.init(typeStdout, 1, n)

		assert.Zero(t, (n+int(h.PaddingLength))%8)
		assert.LessOrEqual(t, int(h.PaddingLength), 7)
	}
}
