package fastcgi

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// connection lifecycle, for logging and the draining decision
type connState int32

const (
	stateNew connState = iota
	stateReading
	stateDraining
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"

	case stateReading:
		return "reading"

	case stateDraining:
		return "draining"

	default:
		return "closed"
	}
}

// outFrame is one record queued on the connection's serialized writer.
type outFrame struct {
	t       recType
	id      uint16
	content []byte

	//closeAfter shuts the write half down once this frame is flushed;
	//set on the END_REQUEST of the last session of a keep-conn=0 flow
	closeAfter bool
}

// Conn demultiplexes one upstream connection into sessions. The reader
// goroutine owns the read half and the session table mutations; a single
// writer goroutine owns the write half and interleaves session records.
type Conn struct {
	eng *Engine
	rwc net.Conn
	log logrus.FieldLogger

	//desc is safe to show anywhere; innerDesc may carry peer addresses
	desc      string
	innerDesc string

	out    chan outFrame
	down   chan struct{}
	failed atomic.Bool
	state  atomic.Int32

	mu       sync.Mutex
	sessions map[uint16]*Request
	draining bool

	wg sync.WaitGroup
}

const writerQueueDepth = 32

func newConn(e *Engine, rwc net.Conn) *Conn {
	id := uuid.NewString()[:8]

	desc := "fcgi-conn-" + id
	inner := desc
	if addr := rwc.RemoteAddr(); addr != nil {
		inner = desc + " peer=" + addr.String()
	}

	return &Conn{
		eng:       e,
		rwc:       rwc,
		log:       e.log.WithField("conn", id),
		desc:      desc,
		innerDesc: inner,
		out:       make(chan outFrame, writerQueueDepth),
		down:      make(chan struct{}),
		sessions:  make(map[uint16]*Request),
	}
}

// String is the public description of the connection.
func (c *Conn) String() string {
	return c.desc
}

// serve runs the reader loop to completion and tears the connection down:
// abort what is live, wait for handlers, drain the writer, close the socket.
func (c *Conn) serve() {
	c.state.Store(int32(stateReading))
	c.log.WithField("peer", c.innerDesc).Debug("connection open")

	go c.writeLoop()

	err := c.readLoop()

	switch {
	case err == nil || errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe):
		//clean end: peer closed, or our writer finished a keep-conn=0 flow
	default:
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.log.WithError(err).Error("protocol error, closing connection")
			c.failSessions()
		} else {
			c.log.WithError(err).Warn("transport error, closing connection")
		}
	}

	c.abortSessions(ErrConnClosed)
	c.wg.Wait()

	close(c.out)
	<-c.down

	c.state.Store(int32(stateClosed))
	c.log.Debug("connection closed")
}

// readLoop decodes records until the transport fails or a record is
// unacceptable.
func (c *Conn) readLoop() error {
	br := bufio.NewReaderSize(c.rwc, 4096)

	var rec record

	for {
		if err := rec.read(br); err != nil {
			return err
		}

		c.eng.observeRecordIn(rec.h.Type)

		if err := c.route(&rec); err != nil {
			return err
		}
	}
}

// route applies the demultiplexing table: request id 0 is the management
// channel, everything else addresses a session.
func (c *Conn) route(rec *record) error {
	if rec.h.ID == 0 {
		switch rec.h.Type {
		case typeGetValues:
			return c.handleGetValues(rec.content())

		case typeBeginRequest, typeAbortRequest, typeEndRequest, typeParams,
			typeStdin, typeStdout, typeStderr, typeData,
			typeGetValuesResult, typeUnknownType:
			return protocolErrorf("%v on the management channel", rec.h.Type)

		default:
			c.log.WithField("type", uint8(rec.h.Type)).Debug("unknown management record")

			return c.enqueue(outFrame{t: typeUnknownType, content: unknownTypeContent(rec.h.Type)})
		}
	}

	switch rec.h.Type {
	case typeBeginRequest:
		return c.handleBegin(rec)

	case typeParams:
		return c.handleParams(rec)

	case typeStdin:
		return c.handleStream(rec, false)

	case typeData:
		return c.handleStream(rec, true)

	case typeAbortRequest:
		return c.handleAbort(rec)

	case typeGetValues:
		return protocolErrorf("%v with request id %d", rec.h.Type, rec.h.ID)

	case typeEndRequest, typeStdout, typeStderr, typeGetValuesResult, typeUnknownType:
		return protocolErrorf("%v from the web server", rec.h.Type)

	default:
		return protocolErrorf("unknown record type %d with request id %d", uint8(rec.h.Type), rec.h.ID)
	}
}

func (c *Conn) session(id uint16) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessions[id]
}

func (c *Conn) handleBegin(rec *record) error {
	body, err := parseBeginRequest(rec.content())
	if err != nil {
		return err
	}

	id := rec.h.ID

	c.mu.Lock()

	if _, live := c.sessions[id]; live {
		c.mu.Unlock()

		return protocolErrorf("begin request for live id %d", id)
	}

	idle := len(c.sessions) == 0

	switch {
	case c.draining:
		c.mu.Unlock()
		c.log.WithField("req", id).Debug("draining, rejecting session")

		return c.reject(id, statusOverloaded, body.keepConn, idle)

	case len(c.sessions) >= c.eng.cfg.MaxSessionsPerConn:
		c.mu.Unlock()
		c.log.WithField("req", id).Debug("per-connection session cap reached")

		return c.reject(id, statusOverloaded, body.keepConn, idle)

	case c.eng.handlerFor(body.role) == nil:
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"req": id, "role": uint16(body.role)}).
			Warn("no handler installed for role")

		return c.reject(id, statusUnknownRole, body.keepConn, idle)

	case !c.eng.sessSem.TryAcquire(1):
		c.mu.Unlock()
		c.log.WithField("req", id).Warn("engine session cap reached")

		return c.reject(id, statusOverloaded, body.keepConn, idle)
	}

	req := newRequest(c, id, body.role, body.keepConn)
	c.sessions[id] = req
	c.mu.Unlock()

	c.eng.observeSessionStart()
	req.log.Debug("session begun")

	return nil
}

// reject answers a BEGIN_REQUEST that will never become a session.
func (c *Conn) reject(id uint16, protocolStatus uint8, keepConn, idle bool) error {
	return c.enqueue(outFrame{
		t:          typeEndRequest,
		id:         id,
		content:    endRequestContent(0, protocolStatus),
		closeAfter: !keepConn && idle,
	})
}

func (c *Conn) handleParams(rec *record) error {
	req := c.session(rec.h.ID)
	if req == nil {
		c.log.WithField("req", rec.h.ID).Debug("params for unknown session, dropping")

		return nil
	}

	if content := rec.content(); len(content) > 0 {
		req.paramBuf = append(req.paramBuf, content...)

		return nil
	}

	params, err := parsePairs(req.paramBuf)
	if err != nil {
		return err
	}

	req.params = params
	req.paramBuf = nil

	c.dispatch(req)

	return nil
}

// dispatch hands a complete session to its role handler on its own task.
func (c *Conn) dispatch(req *Request) {
	c.mu.Lock()
	req.dispatched = true
	c.mu.Unlock()

	c.wg.Add(1)

	go c.runSession(req)
}

func (c *Conn) handleStream(rec *record, isData bool) error {
	req := c.session(rec.h.ID)
	if req == nil {
		c.log.WithField("req", rec.h.ID).Debug("stream bytes for unknown session, dropping")

		return nil
	}

	p := req.stdin
	if isData {
		p = req.data
		if p == nil {
			c.log.WithField("req", rec.h.ID).Debug("data stream outside the filter role, dropping")

			return nil
		}
	}

	if content := rec.content(); len(content) > 0 {
		if _, err := p.Write(content); err != nil {
			//the session is aborted; the bytes have nowhere to go
			c.log.WithField("req", rec.h.ID).WithError(err).Debug("dropping stream bytes")
		}

		return nil
	}

	p.closeWrite()

	return nil
}

func (c *Conn) handleAbort(rec *record) error {
	id := rec.h.ID

	c.mu.Lock()
	req := c.sessions[id]

	if req == nil {
		c.mu.Unlock()
		c.log.WithField("req", id).Debug("abort for unknown session, dropping")

		return nil
	}

	dispatched := req.dispatched
	if !dispatched {
		delete(c.sessions, id)
	}
	idle := len(c.sessions) == 0
	c.mu.Unlock()

	req.log.Info("request aborted by web server")
	req.abort(ErrRequestAborted)

	if dispatched {
		//the handler sees cancelled streams and returns; completion
		//emits END_REQUEST
		return nil
	}

	c.eng.sessSem.Release(1)
	c.eng.observeSessionEnd()

	return c.enqueue(outFrame{
		t:          typeEndRequest,
		id:         id,
		content:    endRequestContent(0, statusRequestComplete),
		closeAfter: !req.keepConn && idle,
	})
}

// runSession is the top-level body of a session task: invoke the handler,
// map its outcome onto the wire, and finish the session.
func (c *Conn) runSession(req *Request) {
	defer c.wg.Done()

	err := c.invoke(req)

	appStatus := req.exitStatus()

	switch {
	case err == nil:

	case errors.Is(err, context.Canceled) || isStreamAborted(err):
		//interruption honoured by the handler; a torn-down connection
		//reports a non-zero status, an explicit abort reports success
		if errors.Is(err, ErrConnClosed) && appStatus == 0 {
			appStatus = 1
		}

		req.log.WithError(err).Debug("session interrupted")

	default:
		var fail *SessionFailure
		if errors.As(err, &fail) {
			appStatus = fail.AppStatus
			if appStatus == 0 {
				appStatus = 1
			}

			req.log.WithError(err).Warn("session failed")
		} else {
			appStatus = 1
			req.log.WithError(err).Error("handler error")
		}

		if !req.isCommitted() {
			_ = req.SetStatus(500)
		}
	}

	c.finishSession(req, appStatus)
}

// invoke runs the role handler, converting a panic into an error so one
// session cannot take the connection down.
func (c *Conn) invoke(req *Request) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.Errorf("handler panic: %v", v)
		}
	}()

	return c.eng.handlerFor(req.role).Serve(req)
}

func isStreamAborted(err error) bool {
	var aborted *StreamAbortedError

	return errors.As(err, &aborted)
}

// finishSession closes the outbound streams and emits END_REQUEST. Stream
// terminators go out exactly once on every exit path.
func (c *Conn) finishSession(req *Request, appStatus uint32) {
	if err := req.stdout.closeStream(true); err != nil {
		req.log.WithError(err).Debug("stdout terminator not delivered")
	}

	if err := req.stderr.closeStream(req.stderr.wroteAny()); err != nil {
		req.log.WithError(err).Debug("stderr terminator not delivered")
	}

	//inbound leftovers: the web server may still be streaming
	req.stdin.abort(ErrConnClosed)
	if req.data != nil {
		req.data.abort(ErrConnClosed)
	}
	req.cancel()

	c.mu.Lock()
	delete(c.sessions, req.id)
	idle := len(c.sessions) == 0
	draining := c.draining
	c.mu.Unlock()

	c.eng.sessSem.Release(1)
	c.eng.observeSessionEnd()

	closeAfter := idle && (!req.keepConn || draining)

	err := c.enqueue(outFrame{
		t:          typeEndRequest,
		id:         req.id,
		content:    endRequestContent(appStatus, statusRequestComplete),
		closeAfter: closeAfter,
	})
	if err != nil {
		req.log.WithError(err).Debug("end request not delivered")
	}

	req.log.WithField("appStatus", appStatus).Debug("session complete")
}

// drain stops the connection from accepting new sessions; it closes once
// the last live session completes, or immediately when idle.
func (c *Conn) drain() {
	c.mu.Lock()
	c.draining = true
	idle := len(c.sessions) == 0
	c.mu.Unlock()

	c.state.Store(int32(stateDraining))

	if idle {
		_ = c.rwc.Close()
	}
}

// failSessions answers END_REQUEST for every live session before a
// protocol-error close, best effort.
func (c *Conn) failSessions() {
	c.mu.Lock()
	live := make([]*Request, 0, len(c.sessions))
	for _, req := range c.sessions {
		live = append(live, req)
	}
	c.mu.Unlock()

	for _, req := range live {
		if req.dispatched {
			//its task emits END_REQUEST when the abort lands
			continue
		}

		_ = c.enqueue(outFrame{
			t:       typeEndRequest,
			id:      req.id,
			content: endRequestContent(1, statusRequestComplete),
		})
	}
}

// abortSessions cancels every live session with cause.
func (c *Conn) abortSessions(cause error) {
	c.mu.Lock()
	live := make([]*Request, 0, len(c.sessions))
	for _, req := range c.sessions {
		live = append(live, req)
	}
	c.mu.Unlock()

	for _, req := range live {
		req.abort(cause)
	}

	//sessions never dispatched have no task to finish them
	c.mu.Lock()
	for id, req := range c.sessions {
		if !req.dispatched {
			delete(c.sessions, id)
			c.eng.sessSem.Release(1)
			c.eng.observeSessionEnd()
		}
	}
	c.mu.Unlock()
}

// enqueue queues one frame on the serialized writer. It blocks for
// backpressure and fails once the writer is gone.
func (c *Conn) enqueue(f outFrame) error {
	if c.failed.Load() {
		return ErrConnClosed
	}

	select {
	case c.out <- f:
		return nil

	case <-c.down:
		return ErrConnClosed
	}
}

// writeLoop is the sole owner of the connection's write half. It frames
// queued records in order, batching flushes while the queue is busy.
func (c *Conn) writeLoop() {
	defer close(c.down)

	bw := bufio.NewWriterSize(c.rwc, 4096)
	closing := false

	for f := range c.out {
		if c.failed.Load() || closing {
			continue
		}

		err := writeRecord(bw, f.t, f.id, f.content)

		if err == nil && len(c.out) == 0 {
			err = bw.Flush()
		}

		if err != nil {
			c.failed.Store(true)
			c.log.WithError(err).Warn("connection write failed")
			c.abortSessions(errors.Wrap(err, "write failed"))
			_ = c.rwc.Close()

			continue
		}

		c.eng.observeRecordOut(f.t)

		if f.closeAfter {
			closing = true
			_ = bw.Flush()
			_ = c.rwc.Close()
		}
	}

	if !closing && !c.failed.Load() {
		_ = bw.Flush()
	}

	_ = c.rwc.Close()
}

// handleGetValues answers the management query with the engine limits it
// recognizes, truncating rather than splitting the reply.
func (c *Conn) handleGetValues(content []byte) error {
	reply := make([]byte, 0, 64)

	err := walkPairs(content, func(name, _ []byte) error {
		var v string

		switch string(name) {
		case keyMaxConns:
			v = strconv.Itoa(c.eng.cfg.MaxConns)

		case keyMaxReqs:
			v = strconv.Itoa(c.eng.cfg.MaxSessions)

		case keyMpxsConns:
			v = "0"
			if c.eng.cfg.MaxSessionsPerConn > 1 {
				v = "1"
			}

		default:
			//unknown names are omitted
			return nil
		}

		if len(reply)+pairLen(string(name), v) > maxStreamWrite {
			//reply must fit one record; truncate and omit
			return nil
		}

		reply = appendPair(reply, string(name), v)

		return nil
	})
	if err != nil {
		return err
	}

	return c.enqueue(outFrame{t: typeGetValuesResult, content: reply})
}
