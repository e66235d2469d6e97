package scanftp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/scanftp/internal/ftptest"
	"github.com/gonzalop/scanftp/scan"
)

// dialTest connects to srv without logging in.
func dialTest(t *testing.T, srv *ftptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTimeout(5 * time.Second)}, opts...)
	c, err := Dial(srv.Addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// loginTest connects to srv and logs in as "test".
func loginTest(t *testing.T, srv *ftptest.Server, opts ...Option) *Client {
	t.Helper()
	c := dialTest(t, srv, opts...)
	require.NoError(t, c.Login("test", "secret"))
	return c
}

// stubScanner returns a fixed verdict per name and records what it saw.
type stubScanner struct {
	mu       sync.Mutex
	verdicts map[string]scan.Verdict
	err      error
	seen     map[string][]byte
}

func newStubScanner() *stubScanner {
	return &stubScanner{
		verdicts: make(map[string]scan.Verdict),
		seen:     make(map[string][]byte),
	}
}

func (s *stubScanner) set(name string, v scan.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[name] = v
}

func (s *stubScanner) Scan(ctx context.Context, name string, content io.Reader, size int64) (scan.Verdict, error) {
	b, err := io.ReadAll(content)
	if err != nil {
		return scan.Verdict{Status: scan.ScanError, Detail: err.Error()}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[name] = b
	if s.err != nil {
		return scan.Verdict{Status: scan.ScanError, Detail: s.err.Error()}, s.err
	}
	if v, ok := s.verdicts[name]; ok {
		return v, nil
	}
	return scan.Verdict{Status: scan.Clean}, nil
}

func (s *stubScanner) scanned(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.seen[name]
	return b, ok
}
