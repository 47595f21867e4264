package fastcgi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// variablePrefix is how Authorizer variables travel back to the web server.
const variablePrefix = "Variable-"

// Request is one FastCGI session: the CGI parameter map, the inbound
// streams, the outbound streams, and the deferred response header state.
// It is handed to the role handler once the parameter stream terminates.
type Request struct {
	conn     *Conn
	id       uint16
	role     Role
	keepConn bool

	paramBuf []byte
	params   map[string]string

	stdin *pipe
	data  *pipe

	stdout *outStream
	stderr *outStream

	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger

	//guarded by the connection's session table mutex
	dispatched bool

	mu        sync.Mutex
	headers   headerTable
	status    int
	committed bool
	appStatus uint32
}

func newRequest(c *Conn, id uint16, role Role, keepConn bool) *Request {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Request{
		conn:     c,
		id:       id,
		role:     role,
		keepConn: keepConn,
		stdin:    newPipe(c.eng.pipeCfg),
		ctx:      ctx,
		cancel:   cancel,
		status:   http.StatusOK,
		log: c.log.WithFields(logrus.Fields{
			"req":  id,
			"role": role.String(),
		}),
	}

	if role == RoleFilter {
		r.data = newPipe(c.eng.pipeCfg)
	}

	r.stdout = newOutStream(r, typeStdout, c.eng.cfg.BufferSize)
	r.stderr = newOutStream(r, typeStderr, stderrBufferSize)

	return r
}

// ID is the request id, unique on its connection while the session lives.
func (r *Request) ID() uint16 {
	return r.id
}

// Role reports which handler kind the session was begun for.
func (r *Request) Role() Role {
	return r.role
}

// Context is cancelled when the web server aborts the request, the
// connection dies, or the engine shuts down.
func (r *Request) Context() context.Context {
	return r.ctx
}

// Parameters is the CGI variable map. It is complete by the time the
// handler runs.
func (r *Request) Parameters() map[string]string {
	return r.params
}

// Stdin is the request body stream. Reads block until bytes arrive, return
// io.EOF at end of stream, and fail with a StreamAbortedError when the
// session is aborted mid-stream.
func (r *Request) Stdin() io.Reader {
	return r.stdin
}

// Data is the extra inbound stream of the Filter role, nil for other roles.
func (r *Request) Data() io.Reader {
	if r.data == nil {
		return nil
	}

	return r.data
}

// Stdout is the response body stream. The first byte written commits the
// response headers ahead of it.
func (r *Request) Stdout() io.Writer {
	return r.stdout
}

// Stderr is the diagnostic stream, forwarded to the web server's error log.
func (r *Request) Stderr() io.Writer {
	return r.stderr
}

// Diagnostics is the session's logging context.
func (r *Request) Diagnostics() logrus.FieldLogger {
	return r.log
}

func (r *Request) checkFieldName(op, name string) error {
	if name == "" {
		return &UsageError{Op: op, Reason: "empty field name"}
	}

	if strings.EqualFold(name, "Status") {
		return &UsageError{Op: op, Reason: "the Status field is managed by the engine"}
	}

	if r.role == RoleAuthorizer && strings.HasPrefix(strings.ToLower(name), strings.ToLower(variablePrefix)) {
		return &UsageError{Op: op, Reason: "Variable- fields are set through SetVariable"}
	}

	return nil
}

// promoteLocked applies the Authorizer rule: any header or variable set
// while the status is 200 turns the response into a 401.
func (r *Request) promoteLocked() {
	if r.role == RoleAuthorizer && r.status == http.StatusOK {
		r.status = http.StatusUnauthorized
	}
}

// SetField replaces a response header field. Fails with ErrTooLate once the
// headers are committed.
func (r *Request) SetField(name, value string) error {
	if err := r.checkFieldName("SetField", name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return ErrTooLate
	}

	r.promoteLocked()
	r.headers.set(name, value)

	return nil
}

// AddField appends a value to a response header field.
func (r *Request) AddField(name, value string) error {
	if err := r.checkFieldName("AddField", name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return ErrTooLate
	}

	r.promoteLocked()
	r.headers.add(name, value)

	return nil
}

// ClearField removes a response header field entirely.
func (r *Request) ClearField(name string) error {
	if err := r.checkFieldName("ClearField", name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return ErrTooLate
	}

	r.headers.clear(name)

	return nil
}

// Field reads back the current values of a response header field.
func (r *Request) Field(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	vals := r.headers.get(name)
	out := make([]string, len(vals))
	copy(out, vals)

	return out
}

// SetStatus sets the response status line committed ahead of the body.
func (r *Request) SetStatus(code int) error {
	if code < 0 {
		return &UsageError{Op: "SetStatus", Reason: "negative status code"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return ErrTooLate
	}

	r.status = code

	return nil
}

// Status reads the current response status.
func (r *Request) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// SetVariable sets an Authorizer variable, delivered to the web server as a
// Variable-<name> response header. Only valid in the Authorizer role.
func (r *Request) SetVariable(name, value string) error {
	if r.role != RoleAuthorizer {
		return &UsageError{Op: "SetVariable", Reason: "only the authorizer role carries variables"}
	}

	if name == "" {
		return &UsageError{Op: "SetVariable", Reason: "empty variable name"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return ErrTooLate
	}

	r.promoteLocked()
	r.headers.set(variablePrefix+name, value)

	return nil
}

// SetBufferSize resizes the stdout buffer. Requests outside the supported
// range are clamped; after the stream has committed nothing changes. The
// return value reports exact fulfilment.
func (r *Request) SetBufferSize(n int) bool {
	if n < 0 {
		return false
	}

	r.mu.Lock()
	committed := r.committed
	r.mu.Unlock()

	if committed {
		return false
	}

	exact := true

	if n < minBufferSize {
		n = minBufferSize
		exact = false
	}

	if n > maxBufferSize {
		n = maxBufferSize
		exact = false
	}

	r.stdout.setMax(n)

	return exact
}

// Exit records the application status reported in FCGI_END_REQUEST. The
// handler keeps running; the status takes effect when it returns.
func (r *Request) Exit(code int) error {
	if code < 0 {
		return &UsageError{Op: "Exit", Reason: "negative exit code"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.appStatus = uint32(code)

	return nil
}

func (r *Request) exitStatus() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.appStatus
}

func (r *Request) isCommitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.committed
}

// commit freezes headers and status and renders the CGI header block. The
// first call returns the block; later calls return nil. Called on the first
// stdout body byte and at session completion.
func (r *Request) commit() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return nil, nil
	}

	r.committed = true

	var b bytes.Buffer

	fmt.Fprintf(&b, "Status: %d %s\r\n", r.status, reasonPhrase(r.status))

	r.headers.walk(func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	})

	b.WriteString("\r\n")

	return b.Bytes(), nil
}

func reasonPhrase(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}

	return "Unknown"
}

// abort tears the session down from the engine side: inbound reads fail
// with cause and the handler context is cancelled.
func (r *Request) abort(cause error) {
	r.stdin.abort(cause)

	if r.data != nil {
		r.data.abort(cause)
	}

	r.cancel()
}
