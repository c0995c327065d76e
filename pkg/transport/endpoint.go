package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
)

const (
	readBufferSize = 2048
	readTimeout    = 100 * time.Millisecond
)

// ErrNoRemote is returned by Send before a remote address is set
var ErrNoRemote = errors.New("no remote address")

// Endpoint carries PTT datagrams over a packet connection. Received
// datagrams are handed to the receiver in arrival order from a single
// goroutine.
type Endpoint struct {
	conn    net.PacketConn
	log     *logger.Logger
	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}

	mu       sync.RWMutex
	remote   net.Addr
	receiver func([]byte)
	closed   bool
}

// NewEndpoint starts receiving on conn. The endpoint owns conn from here on.
func NewEndpoint(ctx context.Context, conn net.PacketConn, log *logger.Logger) *Endpoint {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Endpoint{
		conn:    conn,
		log:     log.WithComponent("transport").With(logger.String("local", conn.LocalAddr().String())),
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.receiveLoop(ctx)
	return e
}

// ListenUDP binds a UDP endpoint on host:port. Port 0 picks an ephemeral port.
func ListenUDP(ctx context.Context, host string, port int, log *logger.Logger) (*Endpoint, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", addr, err)
	}
	return NewEndpoint(ctx, conn, log), nil
}

// WaitStarted blocks until the receive loop runs or the context is canceled
func (e *Endpoint) WaitStarted(ctx context.Context) error {
	select {
	case <-e.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the receive loop has exited
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) receiveLoop(ctx context.Context) {
	defer close(e.done)
	close(e.started)
	buffer := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read deadline to allow context checking
		if err := e.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil && !e.isClosed() {
			e.log.Warn("Failed to set read deadline", logger.Error(err))
		}
		n, from, err := e.conn.ReadFrom(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if e.isClosed() || errors.Is(err, net.ErrClosed) ||
				errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			e.log.Error("Failed to read datagram", logger.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		e.mu.RLock()
		recv := e.receiver
		e.mu.RUnlock()
		if recv == nil {
			e.log.Debug("No receiver, dropping datagram", logger.String("from", from.String()))
			continue
		}
		data := make([]byte, n)
		copy(data, buffer[:n])
		recv(data)
	}
}

// Send writes one datagram to the remote address
func (e *Endpoint) Send(data []byte) error {
	e.mu.RLock()
	closed, remote := e.closed, e.remote
	e.mu.RUnlock()

	if closed {
		return net.ErrClosed
	}
	if remote == nil {
		return ErrNoRemote
	}
	if _, err := e.conn.WriteTo(data, remote); err != nil {
		return fmt.Errorf("failed to send to %s: %w", remote, err)
	}
	return nil
}

// SetReceiver sets the callback for received datagrams
func (e *Endpoint) SetReceiver(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receiver = fn
}

// LocalAddr returns the bound address
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// RemoteAddr returns the peer address, or nil
func (e *Endpoint) RemoteAddr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote
}

// SetRemoteAddr sets the peer address
func (e *Endpoint) SetRemoteAddr(addr net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = addr
}

// Close stops the receive loop and closes the connection. It does not wait
// for the loop, which may be delivering into a caller that is closing us.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	return e.conn.Close()
}

func (e *Endpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
