package scanftp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/scanftp/internal/ftptest"
	"github.com/gonzalop/scanftp/scan"
)

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// startAgent runs a scan agent that reports INFECTED for content holding
// the EICAR marker.
func startAgent(t *testing.T) string {
	t.Helper()
	decider := scan.DeciderFunc(func(ctx context.Context, path string) (scan.Verdict, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return scan.Verdict{}, err
		}
		if bytes.Contains(b, []byte("EICAR")) {
			return scan.Verdict{Status: scan.Infected, Detail: "Eicar-Test-Signature"}, nil
		}
		return scan.Verdict{Status: scan.Clean}, nil
	})

	agent, err := scan.NewAgent("127.0.0.1:0", decider, scan.WithTempDir(t.TempDir()))
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = agent.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = agent.Shutdown(ctx)
	})
	return l.Addr().String()
}

func TestPut_Clean(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	scanner := newStubScanner()
	c := loginTest(t, srv, WithScanner(scanner))

	local := writeLocal(t, "report.txt", "quarterly numbers\r\n")
	report, err := c.Put(t.Context(), local, "")
	require.NoError(t, err)

	assert.True(t, report.Uploaded())
	assert.Equal(t, scan.Clean, report.Verdict.Status)
	assert.Equal(t, "report.txt", report.RemoteName)
	assert.Equal(t, Upload, report.Job.Direction)
	assert.Equal(t, int64(19), report.Job.BytesMoved)

	seen, ok := scanner.scanned("report.txt")
	require.True(t, ok)
	stored, ok := srv.File("/report.txt")
	require.True(t, ok)
	assert.Equal(t, seen, stored)
	assert.Equal(t, "quarterly numbers\r\n", string(stored))
}

func TestPut_InfectedNeverStored(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	scanner := newStubScanner()
	scanner.set("bad.exe", scan.Verdict{Status: scan.Infected, Detail: "Win.Test.EICAR_HDB-1"})
	c := loginTest(t, srv, WithScanner(scanner))

	local := writeLocal(t, "bad.exe", "payload")
	report, err := c.Put(t.Context(), local, "renamed.exe")

	var blocked *UploadBlocked
	require.True(t, errors.As(err, &blocked), "want UploadBlocked, got %v", err)
	assert.Equal(t, scan.Infected, blocked.Verdict.Status)
	assert.Equal(t, "Win.Test.EICAR_HDB-1", report.Verdict.Detail)
	assert.False(t, report.Uploaded())
	assert.Nil(t, report.Job)

	assert.Equal(t, 0, srv.Count("STOR"))
	assert.Equal(t, 0, srv.Count("PASV"))
	_, ok := srv.File("/renamed.exe")
	assert.False(t, ok)
	assert.Equal(t, StateReady, c.State())
}

func TestPut_NoScanner(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := loginTest(t, srv)

	report, err := c.Put(t.Context(), writeLocal(t, "a.txt", "a"), "")
	var blocked *UploadBlocked
	require.True(t, errors.As(err, &blocked), "want UploadBlocked, got %v", err)
	assert.Equal(t, scan.ScanError, report.Verdict.Status)
	assert.Equal(t, "no scanner configured", report.Verdict.Detail)
	assert.Equal(t, 0, srv.Count("STOR"))
}

func TestPut_ScannerFailure(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	scanner := newStubScanner()
	scanner.err = errors.New("engine crashed")
	c := loginTest(t, srv, WithScanner(scanner))

	report, err := c.Put(t.Context(), writeLocal(t, "a.txt", "a"), "")
	var blocked *UploadBlocked
	require.True(t, errors.As(err, &blocked), "want UploadBlocked, got %v", err)
	assert.Equal(t, scan.ScanError, report.Verdict.Status)
	assert.ErrorContains(t, err, "SCAN_ERROR")
	assert.Equal(t, 0, srv.Count("STOR"))
}

// lazyScanner says CLEAN after reading only part of the content.
type lazyScanner struct{}

func (lazyScanner) Scan(ctx context.Context, name string, content io.Reader, size int64) (scan.Verdict, error) {
	_, _ = io.CopyN(io.Discard, content, size/2)
	return scan.Verdict{Status: scan.Clean}, nil
}

func TestPut_PartialScanIsNotClean(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(lazyScanner{}))

	report, err := c.Put(t.Context(), writeLocal(t, "a.txt", "0123456789"), "")
	var blocked *UploadBlocked
	require.True(t, errors.As(err, &blocked), "want UploadBlocked, got %v", err)
	assert.Equal(t, scan.ScanError, report.Verdict.Status)
	assert.Equal(t, 0, srv.Count("STOR"))
}

func TestPut_AgentUnreachable(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	l.Close()

	srv := ftptest.New(t)
	gate := scan.NewGate(deadAddr, scan.WithRetries(1, 10*time.Millisecond), scan.WithDialTimeout(time.Second))
	c := loginTest(t, srv, WithScanner(gate))

	report, err := c.Put(t.Context(), writeLocal(t, "a.txt", "a"), "")
	var blocked *UploadBlocked
	require.True(t, errors.As(err, &blocked), "want UploadBlocked, got %v", err)
	assert.Equal(t, scan.ScanError, report.Verdict.Status)

	var se *scan.Error
	require.True(t, errors.As(err, &se), "want scan.Error, got %v", err)
	assert.Equal(t, "dial", se.Op)
	assert.Equal(t, 0, srv.Count("STOR"))
}

func TestPut_WithAgent(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	gate := scan.NewGate(startAgent(t))
	c := loginTest(t, srv, WithScanner(gate))

	clean := writeLocal(t, "clean.txt", "nothing to see here")
	report, err := c.Put(t.Context(), clean, "")
	require.NoError(t, err)
	assert.True(t, report.Uploaded())

	infected := writeLocal(t, "eicar.com", "X5O!P%@AP...EICAR-STANDARD-ANTIVIRUS-TEST-FILE!")
	report, err = c.Put(t.Context(), infected, "")
	var blocked *UploadBlocked
	require.True(t, errors.As(err, &blocked), "want UploadBlocked, got %v", err)
	assert.Equal(t, scan.Infected, report.Verdict.Status)
	assert.Equal(t, "Eicar-Test-Signature", report.Verdict.Detail)

	assert.Equal(t, 1, srv.Count("STOR"))
	_, ok := srv.File("/eicar.com")
	assert.False(t, ok)
}

func TestPut_ASCII(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	scanner := newStubScanner()
	c := loginTest(t, srv, WithScanner(scanner), WithMode(ModeASCII))

	report, err := c.Put(t.Context(), writeLocal(t, "notes.txt", "one\ntwo\n"), "")
	require.NoError(t, err)
	assert.Equal(t, ModeASCII, report.Job.Mode)

	// The scanner sees local bytes; the server decodes CRLF back to LF.
	seen, _ := scanner.scanned("notes.txt")
	assert.Equal(t, "one\ntwo\n", string(seen))
	stored, _ := srv.File("/notes.txt")
	assert.Equal(t, "one\ntwo\n", string(stored))
}

func TestPut_ServerRejects(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(newStubScanner()))

	report, err := c.Put(t.Context(), writeLocal(t, "a.txt", "a"), "/missing/a.txt")
	var cr *CommandRejected
	require.True(t, errors.As(err, &cr), "want CommandRejected, got %v", err)
	assert.Equal(t, 553, cr.Code)
	assert.Equal(t, scan.Clean, report.Verdict.Status)
	assert.False(t, report.Uploaded())
	assert.Equal(t, StateReady, c.State())
}

func TestPut_NotLoggedIn(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	scanner := newStubScanner()
	c := dialTest(t, srv, WithScanner(scanner))

	_, err := c.Put(t.Context(), writeLocal(t, "a.txt", "a"), "")
	require.ErrorIs(t, err, ErrNotLoggedIn)
	_, scanned := scanner.scanned("a.txt")
	assert.False(t, scanned)
}

func TestPut_MissingLocalFile(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(newStubScanner()))

	report, err := c.Put(t.Context(), filepath.Join(t.TempDir(), "gone.txt"), "")
	require.Error(t, err)
	assert.Equal(t, scan.ScanError, report.Verdict.Status)
	assert.Equal(t, 0, srv.Count("STOR"))
}

func TestPut_Progress(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(newStubScanner()))

	var last int64
	_, err := c.Put(t.Context(), writeLocal(t, "a.txt", "progress!"), "", WithProgress(func(n int64) { last = n }))
	require.NoError(t, err)
	assert.Equal(t, int64(9), last)
}

func TestPutRetrieve_ASCIIRoundTrip(t *testing.T) {
	t.Parallel()
	text := "first line\nsecond line\n\n\tindented\nno newline at end"
	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(newStubScanner()), WithMode(ModeASCII))

	report, err := c.Put(t.Context(), writeLocal(t, "notes.txt", text), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, ModeASCII, report.Job.Mode)

	var got bytes.Buffer
	_, err = c.Retrieve(t.Context(), "notes.txt", &got)
	require.NoError(t, err)
	assert.Equal(t, text, got.String())

	stored, ok := srv.File("/notes.txt")
	require.True(t, ok)
	assert.Equal(t, text, string(stored))
	assert.Equal(t, 1, srv.Count("TYPE"))
}

func TestPutRetrieve_BinaryRoundTrip(t *testing.T) {
	t.Parallel()
	var content []byte
	for i := range 300 {
		for b := range 256 {
			content = append(content, byte(b^i))
		}
	}
	want := sha256.Sum256(content)

	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(newStubScanner()), WithMode(ModeBinary))

	_, err := c.Put(t.Context(), writeLocal(t, "blob.bin", string(content)), "blob.bin")
	require.NoError(t, err)

	var got bytes.Buffer
	job, err := c.Retrieve(t.Context(), "blob.bin", &got)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), job.BytesMoved)
	assert.Equal(t, want, sha256.Sum256(got.Bytes()))

	stored, ok := srv.File("/blob.bin")
	require.True(t, ok)
	assert.Equal(t, want, sha256.Sum256(stored))
}
