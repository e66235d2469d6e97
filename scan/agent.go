package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Decider judges one file on disk.
type Decider interface {
	Decide(ctx context.Context, path string) (Verdict, error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, path string) (Verdict, error)

// Decide calls f(ctx, path).
func (f DeciderFunc) Decide(ctx context.Context, path string) (Verdict, error) {
	return f(ctx, path)
}

// Agent answers scan requests. Each connection carries one request and
// one verdict and is handled in its own goroutine.
type Agent struct {
	addr        string
	decider     Decider
	tempDir     string
	maxFileSize int64
	connTimeout time.Duration
	logger      zerolog.Logger

	// ctx is cancelled when Shutdown gives up waiting for handlers
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	handlers   sync.WaitGroup
	inShutdown atomic.Bool
}

// AgentOption configures an Agent.
type AgentOption func(*Agent) error

// WithTempDir sets where request content is spooled. The default is
// os.TempDir().
func WithTempDir(dir string) AgentOption {
	return func(a *Agent) error {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("temp dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("temp dir %s is not a directory", dir)
		}
		a.tempDir = dir
		return nil
	}
}

// WithMaxFileSize caps the content a request may carry. The default is
// DefaultMaxFileSize.
func WithMaxFileSize(n int64) AgentOption {
	return func(a *Agent) error {
		if n <= 0 {
			return fmt.Errorf("max file size must be positive: %d", n)
		}
		a.maxFileSize = n
		return nil
	}
}

// WithConnTimeout bounds a whole connection: receiving the request,
// deciding and answering. The default is 6 minutes.
func WithConnTimeout(d time.Duration) AgentOption {
	return func(a *Agent) error {
		if d <= 0 {
			return fmt.Errorf("connection timeout must be positive: %v", d)
		}
		a.connTimeout = d
		return nil
	}
}

// WithAgentLogger sets the agent's logger. The default discards everything.
func WithAgentLogger(l zerolog.Logger) AgentOption {
	return func(a *Agent) error {
		a.logger = l
		return nil
	}
}

// NewAgent returns an Agent that will listen on addr and ask decider for
// verdicts.
func NewAgent(addr string, decider Decider, opts ...AgentOption) (*Agent, error) {
	if decider == nil {
		return nil, fmt.Errorf("decider is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		addr:        addr,
		decider:     decider,
		tempDir:     os.TempDir(),
		maxFileSize: DefaultMaxFileSize,
		connTimeout: 6 * time.Minute,
		logger:      zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			cancel()
			return nil, err
		}
	}
	return a, nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (a *Agent) ListenAndServe() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.addr, err)
	}
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("scan agent listening")
	return a.Serve(ln)
}

// Serve accepts connections on l until Shutdown. It always returns a
// non-nil error; after Shutdown the error is ErrAgentClosed.
func (a *Agent) Serve(l net.Listener) error {
	a.mu.Lock()
	if a.inShutdown.Load() {
		a.mu.Unlock()
		l.Close()
		return ErrAgentClosed
	}
	a.listener = l
	a.mu.Unlock()

	defer l.Close()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if a.inShutdown.Load() {
				return ErrAgentClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				a.logger.Error().Err(err).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		if !a.track(conn, true) {
			continue
		}
		go func() {
			defer a.handlers.Done()
			defer a.track(conn, false)
			a.handle(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for running handlers to
// answer. If ctx ends first, remaining connections are closed and their
// decisions cancelled.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.inShutdown.Store(true)

	a.mu.Lock()
	ln := a.listener
	a.listener = nil
	a.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		a.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return err
	case <-ctx.Done():
	}

	a.cancel()
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[net.Conn]struct{})
	a.mu.Unlock()
	for conn := range maps.Keys(conns) {
		conn.Close()
	}
	<-done
	return ctx.Err()
}

// track returns false if we're shutting down. Adding a connection also
// counts its handler, under the same lock Shutdown takes before waiting.
func (a *Agent) track(conn net.Conn, add bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !add {
		delete(a.conns, conn)
		return true
	}
	if a.inShutdown.Load() {
		conn.Close()
		return false
	}
	a.conns[conn] = struct{}{}
	a.handlers.Add(1)
	return true
}

func (a *Agent) handle(conn net.Conn) {
	defer conn.Close()

	log := a.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	if err := conn.SetDeadline(time.Now().Add(a.connTimeout)); err != nil {
		log.Error().Err(err).Msg("failed to set deadline")
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.connTimeout)
	defer cancel()

	v := a.process(ctx, bufio.NewReader(conn), log)
	log.Info().Str("status", v.Status.String()).Str("detail", v.Detail).Msg("verdict")

	if err := WriteVerdict(conn, v); err != nil {
		log.Error().Err(err).Msg("failed to send verdict")
	}
}

// process reads one request, spools it and returns the decider's verdict.
// Every failure becomes a ScanError verdict.
func (a *Agent) process(ctx context.Context, r io.Reader, log zerolog.Logger) Verdict {
	req, err := ReadRequest(r, a.maxFileSize)
	if err != nil {
		log.Warn().Err(err).Str("file", req.Name).Msg("rejected request")
		return Verdict{Status: ScanError, Detail: err.Error()}
	}

	path, err := a.spool(req, r)
	if path != "" {
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Error().Err(err).Str("path", path).Msg("failed to remove temp file")
			}
		}()
	}
	if err != nil {
		log.Warn().Err(err).Str("file", req.Name).Msg("failed to receive content")
		return Verdict{Status: ScanError, Detail: err.Error()}
	}
	log.Debug().Str("file", req.Name).Int64("size", req.Size).Str("path", path).Msg("content received")

	v, err := a.decider.Decide(ctx, path)
	if err != nil {
		log.Error().Err(err).Str("file", req.Name).Msg("scan failed")
		return Verdict{Status: ScanError, Detail: err.Error()}
	}
	if !v.Status.valid() {
		return Verdict{Status: ScanError, Detail: fmt.Sprintf("decider returned %v", v.Status)}
	}
	return v
}

// spool writes exactly req.Size bytes from r to a new temp file. The path
// is returned whenever the file was created, also on error, so the caller
// can remove it.
func (a *Agent) spool(req Request, r io.Reader) (string, error) {
	name := fmt.Sprintf("scan_%s_%s", uuid.NewString(), safeBase(req.Name))
	path := filepath.Join(a.tempDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, req.Size))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return path, fmt.Errorf("receive content: %w", err)
	}
	if n != req.Size {
		return path, fmt.Errorf("%w: content ended after %d of %d bytes", ErrMalformed, n, req.Size)
	}
	return path, nil
}

// safeBase reduces a client-supplied name to a short base name usable in a
// temp file name.
func safeBase(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	base = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' || r == ':' {
			return '_'
		}
		return r
	}, base)
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		base = "unnamed"
	}
	const maxBase = 128
	if len(base) > maxBase {
		base = base[len(base)-maxBase:]
	}
	return base
}
