package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/javanstorm/vmlab/internal/lab"
)

// Config holds bridge limits and timers.
type Config struct {
	BufferSize        int           // per-direction buffer, bytes
	HeartbeatInterval time.Duration // idle time before a ping is sent
	IdleTimeout       time.Duration // idle time before the session is closed
	CloseTimeout      time.Duration // bound on teardown
	WriteTimeout      time.Duration // bound on one upstream write
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:        64 * 1024,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		CloseTimeout:      2 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Result is the outcome of a bridge run.
type Result struct {
	Reason Reason
	Err    error // nil for normal and lifecycle closures
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	BytesIn      int64 // client to upstream
	BytesOut     int64 // upstream to client
	LastActivity time.Time
}

// Bridge relays one session.
type Bridge struct {
	cfg      Config
	client   ClientConn
	upstream io.ReadWriteCloser
	codec    Codec
	logger   *slog.Logger

	once    sync.Once
	reason  Reason
	err     error
	closing chan struct{} // closed when termination starts
	done    chan struct{} // closed when both ends are released

	lastActivity atomic.Int64 // unix nanos
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
}

// New creates a bridge. Run starts it.
func New(cfg Config, client ClientConn, upstream io.ReadWriteCloser, codec Codec, logger *slog.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Bridge{
		cfg:      cfg,
		client:   client,
		upstream: upstream,
		codec:    codec,
		logger:   logger,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.touch()
	return b
}

// Run relays until either side closes, an error occurs, the watchdog
// fires, ctx is cancelled or Close is called. Both ends are closed before
// Run returns.
func (b *Bridge) Run(ctx context.Context) Result {
	b.client.SetAckHandler(b.touch)

	var relays sync.WaitGroup
	relays.Add(2)
	go func() {
		defer relays.Done()
		b.clientToUpstream()
	}()
	go func() {
		defer relays.Done()
		b.upstreamToClient()
	}()
	go b.watch(ctx)

	<-b.closing

	b.upstream.Close()
	if err := b.client.Close(b.reason); err != nil {
		b.logger.Debug("close client", "error", err)
	}

	released := make(chan struct{})
	go func() {
		relays.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(b.cfg.CloseTimeout):
		b.logger.Warn("relay tasks did not exit in time", "timeout", b.cfg.CloseTimeout)
	}
	close(b.done)

	return Result{Reason: b.reason, Err: b.err}
}

// Close terminates the bridge with reason and waits, up to the close
// timeout, for it to release both ends. It is idempotent; only the first
// reason recorded is kept.
func (b *Bridge) Close(reason Reason) {
	b.terminate(reason, nil)
	select {
	case <-b.done:
	case <-time.After(b.cfg.CloseTimeout):
	}
}

// Done is closed once the bridge has released both ends.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		BytesIn:      b.bytesIn.Load(),
		BytesOut:     b.bytesOut.Load(),
		LastActivity: time.Unix(0, b.lastActivity.Load()),
	}
}

func (b *Bridge) terminate(reason Reason, err error) {
	b.once.Do(func() {
		b.reason = reason
		b.err = err
		close(b.closing)
	})
}

func (b *Bridge) stopping() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

func (b *Bridge) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *Bridge) idle() time.Duration {
	return time.Since(time.Unix(0, b.lastActivity.Load()))
}

// clientToUpstream relays client frames to the upstream socket.
func (b *Bridge) clientToUpstream() {
	for {
		f, err := b.client.ReadFrame()
		if err != nil {
			b.fail("client read", err)
			return
		}
		b.touch()

		data, err := b.codec.Inbound(f)
		if errors.Is(err, ErrBadEvent) {
			b.logger.Debug("dropping client frame", "error", err)
			continue
		}
		if err != nil {
			b.fail("encode client frame", err)
			return
		}
		if len(data) == 0 {
			continue
		}

		if dw, ok := b.upstream.(interface{ SetWriteDeadline(time.Time) error }); ok {
			dw.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		}
		if _, err := b.upstream.Write(data); err != nil {
			b.fail("upstream write", err)
			return
		}
		b.bytesIn.Add(int64(len(data)))
	}
}

// upstreamToClient relays upstream bytes to the client. The read buffer
// is reused; WriteFrame does not retain it.
func (b *Bridge) upstreamToClient() {
	buf := make([]byte, b.cfg.BufferSize)
	for {
		n, err := b.upstream.Read(buf)
		if n > 0 {
			if werr := b.client.WriteFrame(b.codec.Outbound(buf[:n])); werr != nil {
				b.fail("client write", werr)
				return
			}
			b.touch()
			b.bytesOut.Add(int64(n))
		}
		if err != nil {
			b.fail("upstream read", err)
			return
		}
	}
}

// fail terminates the bridge after an I/O error on either leg. Clean
// closes end the session normally; anything else is a transport error.
func (b *Bridge) fail(op string, err error) {
	if b.stopping() {
		return
	}
	if isExpectedClose(err) {
		b.logger.Debug("peer closed", "op", op)
		b.terminate(ReasonNormal, nil)
		return
	}
	b.logger.Warn("relay failed", "op", op, "error", err)
	b.terminate(ReasonTransportError, fmt.Errorf("%s: %w: %v", op, lab.ErrTransport, err))
}

// watch sends heartbeats while the session is idle and closes it once the
// idle timeout passes without traffic or heartbeat acknowledgment.
func (b *Bridge) watch(ctx context.Context) {
	timer := time.NewTimer(b.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-b.closing:
			return
		case <-ctx.Done():
			b.terminate(ReasonNormal, nil)
			return
		case <-timer.C:
		}

		idle := b.idle()
		if idle >= b.cfg.IdleTimeout {
			b.logger.Info("session idle", "idle", idle)
			b.terminate(ReasonTimeout, fmt.Errorf("no traffic for %v: %w", idle.Round(time.Millisecond), lab.ErrTimeout))
			return
		}

		next := b.cfg.HeartbeatInterval - idle
		if idle >= b.cfg.HeartbeatInterval {
			if err := b.client.Ping(); err != nil {
				b.fail("client ping", err)
				return
			}
			next = b.cfg.HeartbeatInterval
		}
		if rest := b.cfg.IdleTimeout - idle; rest < next {
			next = rest
		}
		timer.Reset(next)
	}
}

// isExpectedClose reports whether err is a normal end of stream.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClientClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
