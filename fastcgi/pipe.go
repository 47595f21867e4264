package fastcgi

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

const spillPrefix = "fcgi-spill-"

// memBudget is the RAM allowance shared by every pipe of an engine. A single
// counter; chunks charge it when allocated and credit it when drained.
type memBudget struct {
	limit int64
	used  atomic.Int64
}

func newMemBudget(limit int64) *memBudget {
	return &memBudget{limit: limit}
}

// reserve grants up to want bytes without exceeding the limit. Returns the
// granted amount, possibly zero.
func (b *memBudget) reserve(want int64) int64 {
	for {
		used := b.used.Load()

		free := b.limit - used
		if free <= 0 {
			return 0
		}

		if want > free {
			want = free
		}

		if b.used.CompareAndSwap(used, used+want) {
			return want
		}
	}
}

// force charges the budget unconditionally. Used by the memory fallback when
// spill files cannot be created.
func (b *memBudget) force(n int64) {
	b.used.Add(n)
}

func (b *memBudget) release(n int64) {
	b.used.Add(-n)
}

func (b *memBudget) inUse() int64 {
	return b.used.Load()
}

// pipeChunk is one segment of buffered pipe data, memory- or file-backed.
type pipeChunk interface {
	//write appends up to len(p) bytes, truncating at the chunk capacity.
	write(p []byte) (int, error)

	//read drains buffered bytes in write order.
	read(p []byte) (int, error)

	//unread reports bytes written but not yet read.
	unread() int

	//writable reports whether the chunk can accept more bytes.
	writable() bool

	//release frees the chunk's backing resource.
	release()
}

type memChunk struct {
	buf    []byte
	r, w   int
	budget *memBudget
}

func newMemChunk(capacity int64, budget *memBudget) *memChunk {
	return &memChunk{
		buf:    make([]byte, capacity),
		budget: budget,
	}
}

func (c *memChunk) write(p []byte) (int, error) {
	n := copy(c.buf[c.w:], p)
	c.w += n

	return n, nil
}

func (c *memChunk) read(p []byte) (int, error) {
	n := copy(p, c.buf[c.r:c.w])
	c.r += n

	return n, nil
}

func (c *memChunk) unread() int {
	return c.w - c.r
}

func (c *memChunk) writable() bool {
	return c.w < len(c.buf)
}

func (c *memChunk) release() {
	c.budget.release(int64(len(c.buf)))
	c.buf = nil
}

// fileChunk is a random-access temporary file with independent read and
// write offsets. It is unlinked as soon as the reader drains it.
type fileChunk struct {
	f        *os.File
	roff     int64
	woff     int64
	capacity int64
}

func newFileChunk(dir string, capacity int64) (*fileChunk, error) {
	f, err := os.CreateTemp(dir, spillPrefix)
	if err != nil {
		return nil, err
	}

	return &fileChunk{f: f, capacity: capacity}, nil
}

func (c *fileChunk) write(p []byte) (int, error) {
	room := c.capacity - c.woff
	if room <= 0 {
		return 0, nil
	}

	if int64(len(p)) > room {
		p = p[:room]
	}

	n, err := c.f.WriteAt(p, c.woff)
	c.woff += int64(n)

	return n, err
}

func (c *fileChunk) read(p []byte) (int, error) {
	avail := c.woff - c.roff
	if avail == 0 {
		return 0, nil
	}

	if int64(len(p)) > avail {
		p = p[:avail]
	}

	n, err := c.f.ReadAt(p, c.roff)
	c.roff += int64(n)

	return n, err
}

func (c *fileChunk) unread() int {
	return int(c.woff - c.roff)
}

func (c *fileChunk) writable() bool {
	return c.woff < c.capacity
}

func (c *fileChunk) release() {
	name := c.f.Name()
	_ = c.f.Close()
	_ = os.Remove(name)
	c.f = nil
}

// pipeConfig carries the spill policy shared by every pipe of an engine.
type pipeConfig struct {
	budget   *memBudget
	fileMax  int64
	dir      string
	fallback bool
}

// pipe is a single-producer single-consumer byte stream with bounded
// resident memory, overflowing to temporary files. Reads observe all
// accepted bytes in order; after closeWrite they drain and then report
// io.EOF; after abort they fail with the stored cause.
type pipe struct {
	cfg pipeConfig

	mu      sync.Mutex
	cond    *sync.Cond
	chunks  []pipeChunk
	fileUse int64

	closed  bool
	aborted error
}

func newPipe(cfg pipeConfig) *pipe {
	p := &pipe{cfg: cfg}
	p.cond = sync.NewCond(&p.mu)

	return p
}

// allocChunk picks a backing for a pending write of want bytes: memory while
// the budget allows, spill file up to the file cap, otherwise nil, meaning
// the writer must wait for the reader to drain.
func (p *pipe) allocChunk(want int64) (pipeChunk, error) {
	if granted := p.cfg.budget.reserve(want); granted > 0 {
		return newMemChunk(granted, p.cfg.budget), nil
	}

	fileRoom := p.cfg.fileMax - p.fileUse
	if fileRoom > 0 {
		capacity := fileRoom
		if want < capacity {
			capacity = want
		}

		c, err := newFileChunk(p.cfg.dir, capacity)
		if err != nil {
			if !p.cfg.fallback {
				return nil, err
			}

			//spill unavailable; run over budget rather than lose the stream
			p.cfg.budget.force(want)

			return newMemChunk(want, p.cfg.budget), nil
		}

		p.fileUse += capacity

		return c, nil
	}

	return nil, nil
}

func (p *pipe) tail() pipeChunk {
	if len(p.chunks) == 0 {
		return nil
	}

	c := p.chunks[len(p.chunks)-1]
	if !c.writable() {
		return nil
	}

	return c
}

// Write implements io.Writer. It blocks when both the RAM budget and the
// file cap are exhausted, until the reader drains.
func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0

	for len(b) > 0 {
		if p.aborted != nil {
			return total, &StreamAbortedError{Cause: p.aborted}
		}

		if p.closed {
			return total, ErrPipeClosed
		}

		c := p.tail()
		if c == nil {
			var err error

			c, err = p.allocChunk(int64(len(b)))
			if err != nil {
				p.abortLocked(err)

				return total, err
			}

			if c == nil {
				p.cond.Wait()

				continue
			}

			p.chunks = append(p.chunks, c)
		}

		n, err := c.write(b)
		if n > 0 {
			total += n
			b = b[n:]
			p.cond.Broadcast()
		}

		if err != nil {
			p.abortLocked(err)

			return total, err
		}
	}

	return total, nil
}

// closeWrite marks the end of the stream. Buffered bytes remain readable.
func (p *pipe) closeWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
}

// Read implements io.Reader. It blocks until bytes arrive, the write side
// closes, or the pipe is aborted.
func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.aborted != nil {
			return 0, &StreamAbortedError{Cause: p.aborted}
		}

		for len(p.chunks) > 0 {
			c := p.chunks[0]

			if c.unread() == 0 {
				//drained head: recycle it unless the writer may still
				//append to it
				if c.writable() && len(p.chunks) == 1 && !p.closed {
					break
				}

				p.dropHead()
				p.cond.Broadcast()

				continue
			}

			n, err := c.read(b)

			if c.unread() == 0 && (!c.writable() || p.closed || len(p.chunks) > 1) {
				p.dropHead()
			}

			p.cond.Broadcast()

			if err != nil {
				p.abortLocked(err)

				return n, err
			}

			if n > 0 {
				return n, nil
			}
		}

		if p.closed {
			return 0, io.EOF
		}

		p.cond.Wait()
	}
}

func (p *pipe) dropHead() {
	c := p.chunks[0]

	if fc, ok := c.(*fileChunk); ok {
		p.fileUse -= fc.capacity
	}

	c.release()
	p.chunks[0] = nil
	p.chunks = p.chunks[1:]
}

// abort discards buffered data and makes every later read or write fail
// with cause. Blocked readers and writers are woken.
func (p *pipe) abort(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.abortLocked(cause)
}

func (p *pipe) abortLocked(cause error) {
	if p.aborted != nil {
		return
	}

	p.aborted = cause

	for len(p.chunks) > 0 {
		p.dropHead()
	}

	p.cond.Broadcast()
}

// buffered reports bytes accepted but not yet read.
func (p *pipe) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.chunks {
		n += c.unread()
	}

	return n
}
