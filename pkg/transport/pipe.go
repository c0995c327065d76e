package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/dbehnke/issi-ptt/pkg/logger"
)

// PipeConfig configures a Pipe
type PipeConfig struct {
	// AutoProcess delivers queued datagrams from a background goroutine
	AutoProcess bool
	// ProcessInterval is how often queued datagrams are delivered
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns auto-processing every millisecond
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// Pipe is an in-memory datagram link between two ends, used to run
// sessions against each other without sockets.
type Pipe struct {
	bridge *test.Bridge
	conns  [2]*PipePacketConn

	mu       sync.RWMutex
	dropRate float64
	rng      *rand.Rand
	closed   bool
	auto     bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPipe creates a pipe with the default configuration
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe
func NewPipeWithConfig(cfg PipeConfig) *Pipe {
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Millisecond
	}
	p := &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		auto:   cfg.AutoProcess,
		stopCh: make(chan struct{}),
	}
	p.conns[0] = newPipePacketConn(p.bridge.GetConn0(), 0, 1, p)
	p.conns[1] = newPipePacketConn(p.bridge.GetConn1(), 1, 0, p)

	if p.auto {
		p.wg.Add(1)
		go p.process(cfg.ProcessInterval)
	}
	return p
}

func (p *Pipe) process(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for p.bridge.Tick() > 0 {
			}
		}
	}
}

// Conn returns end 0 or 1 as a packet connection
func (p *Pipe) Conn(id int) *PipePacketConn {
	return p.conns[id&1]
}

// Endpoints wraps both ends in endpoints addressed to each other
func (p *Pipe) Endpoints(ctx context.Context, log *logger.Logger) (*Endpoint, *Endpoint) {
	a := NewEndpoint(ctx, p.conns[0], log)
	b := NewEndpoint(ctx, p.conns[1], log)
	a.SetRemoteAddr(p.conns[1].LocalAddr())
	b.SetRemoteAddr(p.conns[0].LocalAddr())
	return a, b
}

// SetDropRate sets the probability, 0 to 1, that a datagram is lost
func (p *Pipe) SetDropRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropRate = rate
}

// Process delivers every queued datagram and returns how many moved
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.bridge.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

func (p *Pipe) drop() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropRate > 0 && p.rng.Float64() < p.dropRate
}

// Close stops processing and closes both ends
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.auto {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	for _, c := range p.conns {
		_ = c.Close()
		_ = c.conn.Close()
	}
	return nil
}

// PipeAddr addresses one end of a pipe
type PipeAddr struct {
	ID int
}

// Network returns "pipe"
func (a PipeAddr) Network() string { return "pipe" }

func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// PipePacketConn adapts one end of a pipe to net.PacketConn. Writes always
// go to the other end. Closing an end leaves the bridge running until the
// pipe itself is closed.
type PipePacketConn struct {
	conn  net.Conn
	local PipeAddr
	peer  PipeAddr
	pipe  *Pipe
	in    chan []byte

	mu           sync.Mutex
	readDeadline time.Time
	closed       chan struct{}
	closeOnce    sync.Once
}

func newPipePacketConn(conn net.Conn, local, peer int, p *Pipe) *PipePacketConn {
	c := &PipePacketConn{
		conn:   conn,
		local:  PipeAddr{ID: local},
		peer:   PipeAddr{ID: peer},
		pipe:   p,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *PipePacketConn) pump() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.in <- data:
		case <-c.closed:
		}
	}
}

// ReadFrom reads one datagram; the source is always the other end
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, c.peer, pipeTimeout{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-c.in:
		return copy(b, data), c.peer, nil
	case <-c.closed:
		return 0, c.peer, net.ErrClosed
	case <-timeout:
		return 0, c.peer, pipeTimeout{}
	}
}

// WriteTo writes one datagram to the other end, ignoring addr
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if c.pipe != nil && c.pipe.drop() {
		return len(b), nil
	}
	return c.conn.Write(b)
}

// Close closes this end
func (c *PipePacketConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// LocalAddr returns the address of this end
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.local
}

// SetDeadline sets the read deadline; writes never block
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline sets the read deadline
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline is a no-op; writes never block
func (c *PipePacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

type pipeTimeout struct{}

func (pipeTimeout) Error() string   { return "pipe read timeout" }
func (pipeTimeout) Timeout() bool   { return true }
func (pipeTimeout) Temporary() bool { return true }

var (
	_ net.PacketConn = (*PipePacketConn)(nil)
	_ net.Error      = pipeTimeout{}
)
