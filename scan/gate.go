package scan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// Gate asks a scanning agent for a verdict on file content. A Gate is safe
// for concurrent use; each Scan uses its own connection.
type Gate struct {
	mu   sync.RWMutex
	addr string

	dialer        *net.Dialer
	scanTimeout   time.Duration
	retries       uint64
	retryInterval time.Duration
	logger        zerolog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDialTimeout bounds each connection attempt. The default is 5 seconds.
func WithDialTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		g.dialer.Timeout = d
	}
}

// WithScanTimeout bounds a whole scan, from the first request byte to the
// verdict. The default is 330 seconds, enough for the agent's own 300
// second scan limit.
func WithScanTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		g.scanTimeout = d
	}
}

// WithRetries sets how many times a failed dial is retried with
// exponential backoff starting at interval. The default is 3 retries from
// 200ms.
func WithRetries(n uint64, interval time.Duration) GateOption {
	return func(g *Gate) {
		g.retries = n
		g.retryInterval = interval
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// NewGate returns a Gate for the agent at addr ("host:port").
func NewGate(addr string, opts ...GateOption) *Gate {
	g := &Gate{
		addr:          addr,
		dialer:        &net.Dialer{Timeout: 5 * time.Second},
		scanTimeout:   330 * time.Second,
		retries:       3,
		retryInterval: 200 * time.Millisecond,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Addr returns the agent address.
func (g *Gate) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.addr
}

// SetAddr points the Gate at another agent. Scans already running keep
// their connection.
func (g *Gate) SetAddr(addr string) {
	g.mu.Lock()
	g.addr = addr
	g.mu.Unlock()
}

// Scan sends size bytes of content under name and returns the agent's
// verdict. On any failure it returns a ScanError verdict together with a
// *Error; it never reports Clean unless the agent said so.
func (g *Gate) Scan(ctx context.Context, name string, content io.Reader, size int64) (Verdict, error) {
	addr := g.Addr()
	log := g.logger.With().Str("agent", addr).Str("file", name).Logger()

	conn, err := g.dial(ctx, addr)
	if err != nil {
		log.Warn().Err(err).Msg("scan agent unreachable")
		return failed("dial", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if g.scanTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(g.scanTimeout)); err != nil {
			return failed("send", addr, err)
		}
	}

	bw := bufio.NewWriterSize(conn, 64*1024)
	br := bufio.NewReader(conn)
	sendErr := WriteRequest(bw, name, content, size)
	if sendErr == nil {
		sendErr = bw.Flush()
	}
	if sendErr != nil {
		// The agent may have refused the request early and said why.
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		if v, err := ReadVerdict(br); err == nil && !v.IsClean() {
			log.Warn().Err(sendErr).Str("status", v.Status.String()).Msg("agent refused request")
			return v, &Error{Op: "send", Addr: addr, Err: sendErr}
		}
		return failed("send", addr, contextError(ctx, sendErr))
	}

	v, err := ReadVerdict(br)
	if err != nil {
		return failed("receive", addr, contextError(ctx, err))
	}

	log.Debug().Str("status", v.Status.String()).Str("detail", v.Detail).Int64("size", size).Msg("scan verdict")
	return v, nil
}

// ScanFile scans the file at path under its base name.
func (g *Gate) ScanFile(ctx context.Context, path string) (Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return failed("open", "", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return failed("open", "", err)
	}
	if !info.Mode().IsRegular() {
		return failed("open", "", fmt.Errorf("%s is not a regular file", path))
	}
	return g.Scan(ctx, filepath.Base(path), f, info.Size())
}

// dial connects to the agent, retrying with exponential backoff.
func (g *Gate) dial(ctx context.Context, addr string) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, g.retries), ctx)

	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = g.dialer.DialContext(ctx, "tcp", addr)
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Debug().Err(err).Dur("retry_in", wait).Str("agent", addr).Msg("scan agent dial failed")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func failed(op, addr string, err error) (Verdict, error) {
	e := &Error{Op: op, Addr: addr, Err: err}
	return Verdict{Status: ScanError, Detail: e.Error()}, e
}

func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	return err
}
