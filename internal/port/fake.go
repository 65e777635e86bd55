package port

import (
	"errors"
	"io"
	"sync"
)

// FakePort is an in-memory port for tests. Reads are fed from a pipe, so
// they block like a real serial read; writes are recorded. Feed blocks
// until the reading side has consumed the line, which gives tests a
// natural synchronization point.
type FakePort struct {
	rd *io.PipeReader
	wr *io.PipeWriter

	mu       sync.Mutex
	writes   []string
	writeErr error
	closed   bool
}

func NewFakePort() *FakePort {
	rd, wr := io.Pipe()
	return &FakePort{rd: rd, wr: wr}
}

func (p *FakePort) Read(b []byte) (int, error) {
	return p.rd.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	closed := p.closed
	p.closed = true
	p.mu.Unlock()
	if closed {
		return nil
	}
	p.wr.Close()
	return p.rd.Close()
}

// Feed delivers one line to the reading side, newline appended.
func (p *FakePort) Feed(line string) {
	io.WriteString(p.wr, line+"\n")
}

// Drop ends the read stream with EOF, as an unplugged device would.
func (p *FakePort) Drop() {
	p.wr.Close()
}

// FailReads ends the read stream with err once buffered data is consumed.
func (p *FakePort) FailReads(err error) {
	p.wr.CloseWithError(err)
}

// SetWriteError makes subsequent writes fail with err.
func (p *FakePort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Writes returns a copy of everything written so far.
func (p *FakePort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

// Closed reports whether Close has been called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeOpener hands out scripted open outcomes in order. Once the script is
// exhausted every Open fails, so a test sees exactly the dials it planned.
type FakeOpener struct {
	mu    sync.Mutex
	queue []openOutcome
	opens int
}

type openOutcome struct {
	port io.ReadWriteCloser
	err  error
}

func NewFakeOpener() *FakeOpener {
	return &FakeOpener{}
}

// QueuePort scripts a successful open returning p.
func (o *FakeOpener) QueuePort(p io.ReadWriteCloser) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, openOutcome{port: p})
}

// QueueError scripts a failed open.
func (o *FakeOpener) QueueError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, openOutcome{err: err})
}

func (o *FakeOpener) Name() string { return "fake" }

func (o *FakeOpener) Open() (io.ReadWriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.queue) == 0 {
		return nil, errors.New("port: no scripted opens left")
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	return next.port, next.err
}

// Opens returns how many times Open has been called.
func (o *FakeOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}
