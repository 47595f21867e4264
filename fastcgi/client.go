package fastcgi

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
)

// idPool hands out client-side request ids and takes them back when the
// response completes, so ids are never live twice on one connection.
type idPool struct {
	mu   sync.Mutex
	next uint16
	free []uint16
}

// Alloc returns an id not currently in flight.
func (p *idPool) Alloc() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]

		return id
	}

	p.next++

	return p.next
}

// Release returns an id for reuse.
func (p *idPool) Release(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, id)
}

// ClientRequest is one request submitted through the loopback client.
type ClientRequest struct {
	Role     Role
	Params   map[string]string
	Stdin    io.Reader
	Data     io.Reader
	KeepConn bool
}

// ClientResponse carries the demultiplexed reply of one request.
type ClientResponse struct {
	Stdout         []byte
	Stderr         []byte
	AppStatus      uint32
	ProtocolStatus uint8
}

// Client is a minimal FastCGI client speaking the runtime's own codec. It
// exists for loopback probes and integration tests, not proxying; requests
// on one client are serialized.
type Client struct {
	mu  sync.Mutex
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	ids idPool
}

// Dial connects a client to a FastCGI application.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}

// NewClient wraps an established duplex stream.
func NewClient(rwc io.ReadWriteCloser) *Client {
	return &Client{rwc: rwc, br: bufio.NewReader(rwc)}
}

// Close implements io.Closer
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rwc == nil {
		return nil
	}

	err := c.rwc.Close()
	c.rwc = nil

	return err
}

func (c *Client) writeRecord(t recType, id uint16, content []byte) error {
	return writeRecord(c.rwc, t, id, content)
}

func (c *Client) writePairs(t recType, id uint16, pairs map[string]string) error {
	var buf []byte
	for k, v := range pairs {
		buf = appendPair(buf, k, v)
	}

	for len(buf) > 0 {
		n := len(buf)
		if n > maxStreamWrite {
			n = maxStreamWrite
		}

		if err := c.writeRecord(t, id, buf[:n]); err != nil {
			return err
		}

		buf = buf[n:]
	}

	return c.writeRecord(t, id, nil)
}

func (c *Client) writeStream(t recType, id uint16, r io.Reader) error {
	if r != nil {
		buf := make([]byte, maxStreamWrite)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if werr := c.writeRecord(t, id, buf[:n]); werr != nil {
					return werr
				}
			}

			if err == io.EOF {
				break
			}

			if err != nil {
				return err
			}
		}
	}

	return c.writeRecord(t, id, nil)
}

// Do submits one request and blocks until its END_REQUEST arrives.
func (c *Client) Do(req *ClientRequest) (*ClientResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rwc == nil {
		return nil, ErrConnClosed
	}

	id := c.ids.Alloc()
	defer c.ids.Release(id)

	role := req.Role
	if role == 0 {
		role = RoleResponder
	}

	if err := c.writeRecord(typeBeginRequest, id, beginRequestContent(role, req.KeepConn)); err != nil {
		return nil, err
	}

	if err := c.writePairs(typeParams, id, req.Params); err != nil {
		return nil, err
	}

	if err := c.writeStream(typeStdin, id, req.Stdin); err != nil {
		return nil, err
	}

	if role == RoleFilter {
		if err := c.writeStream(typeData, id, req.Data); err != nil {
			return nil, err
		}
	}

	return c.readResponse(id)
}

// GetValues queries the management channel for the named variables.
func (c *Client) GetValues(names ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rwc == nil {
		return nil, ErrConnClosed
	}

	var query []byte
	for _, name := range names {
		query = appendPair(query, name, "")
	}

	if err := c.writeRecord(typeGetValues, 0, query); err != nil {
		return nil, err
	}

	var rec record
	if err := rec.read(c.br); err != nil {
		return nil, err
	}

	if rec.h.Type != typeGetValuesResult || rec.h.ID != 0 {
		return nil, protocolErrorf("expected FCGI_GET_VALUES_RESULT, got %v id %d", rec.h.Type, rec.h.ID)
	}

	return parsePairs(rec.content())
}

func (c *Client) readResponse(id uint16) (*ClientResponse, error) {
	var (
		rec    record
		stdout bytes.Buffer
		stderr bytes.Buffer
	)

	for {
		if err := rec.read(c.br); err != nil {
			return nil, err
		}

		if rec.h.ID != id {
			//a serialized client has nothing else in flight
			return nil, protocolErrorf("response for unexpected id %d", rec.h.ID)
		}

		switch rec.h.Type {
		case typeStdout:
			stdout.Write(rec.content())

		case typeStderr:
			stderr.Write(rec.content())

		case typeEndRequest:
			body, err := parseEndRequest(rec.content())
			if err != nil {
				return nil, err
			}

			return &ClientResponse{
				Stdout:         stdout.Bytes(),
				Stderr:         stderr.Bytes(),
				AppStatus:      body.appStatus,
				ProtocolStatus: body.protocolStatus,
			}, nil

		default:
			return nil, protocolErrorf("unexpected %v in response", rec.h.Type)
		}
	}
}
