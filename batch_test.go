package scanftp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/scanftp/internal/ftptest"
	"github.com/gonzalop/scanftp/scan"
)

func TestMPut_ContinuesPastBlockedFile(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	scanner := newStubScanner()
	scanner.set("two.txt", scan.Verdict{Status: scan.Infected, Detail: "Eicar-Test-Signature"})
	c := loginTest(t, srv, WithScanner(scanner))

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		paths = append(paths, p)
	}

	reports, err := c.MPut(t.Context(), paths)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.True(t, reports[0].Uploaded())
	assert.False(t, reports[1].Uploaded())
	assert.Equal(t, scan.Infected, reports[1].Verdict.Status)
	assert.True(t, reports[2].Uploaded())

	assert.Equal(t, 2, srv.Count("STOR"))
	_, ok := srv.File("/two.txt")
	assert.False(t, ok)
	got, ok := srv.File("/three.txt")
	require.True(t, ok)
	assert.Equal(t, "three.txt", string(got))
}

func TestMPut_StopsOnBrokenSession(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.Handle("STOR", func(s *ftptest.Session, arg string) {
		s.Reply("350 Out of step")
	})
	c := loginTest(t, srv, WithScanner(newStubScanner()))

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		paths = append(paths, p)
	}

	reports, err := c.MPut(t.Context(), paths)
	require.ErrorIs(t, err, ErrSessionBroken)
	assert.Len(t, reports, 1)
	assert.Equal(t, 1, srv.Count("STOR"))
}

func TestMPutDir_Recursive(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddDir("/upload")
	scanner := newStubScanner()
	scanner.set("bad.bin", scan.Verdict{Status: scan.Infected, Detail: "Trojan"})
	c := loginTest(t, srv, WithScanner(scanner))
	require.NoError(t, c.ChangeDir("/upload"))

	local := t.TempDir()
	files := map[string]string{
		"top.txt":             "top",
		"sub/mid.txt":         "mid",
		"sub/bad.bin":         "bad",
		"sub/deeper/leaf.txt": "leaf",
		"other/only.txt":      "only",
	}
	for rel, content := range files {
		p := filepath.Join(local, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	reports, err := c.MPutDir(t.Context(), local, true)
	require.NoError(t, err)
	assert.Len(t, reports, len(files))

	for rel, content := range files {
		got, ok := srv.File("/upload/" + rel)
		if rel == "sub/bad.bin" {
			assert.False(t, ok, "blocked file was stored")
			continue
		}
		require.True(t, ok, rel)
		assert.Equal(t, content, string(got))
	}
	assert.True(t, srv.HasDir("/upload/sub/deeper"))
	assert.Equal(t, "/upload", c.Session().WorkingDir)
}

func TestMPutDir_Flat(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := loginTest(t, srv, WithScanner(newStubScanner()))

	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(local, "skipped"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "skipped", "b.txt"), []byte("b"), 0o644))

	reports, err := c.MPutDir(t.Context(), local, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 0, srv.Count("MKD"))
	assert.False(t, srv.HasDir("/skipped"))
}

func TestMPutDir_ExistingRemoteDir(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddDir("/sub")
	c := loginTest(t, srv, WithScanner(newStubScanner()))

	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "sub", "x.txt"), []byte("x"), 0o644))

	reports, err := c.MPutDir(t.Context(), local, true)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Uploaded())
	_, ok := srv.File("/sub/x.txt")
	assert.True(t, ok)
	assert.Equal(t, "/", c.Session().WorkingDir)
}

func TestMGet(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddFile("/pub/readme.txt", []byte("read me"))
	srv.AddFile("/pub/data/one.csv", []byte("1,2,3"))
	srv.AddFile("/pub/data/deep/two.csv", []byte("4,5,6"))
	srv.AddDir("/pub/empty")
	c := loginTest(t, srv)

	local := filepath.Join(t.TempDir(), "mirror")
	reports, err := c.MGet(t.Context(), "/pub", local)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.NoError(t, r.Err, r.RemoteName)
	}

	for rel, want := range map[string]string{
		"readme.txt":        "read me",
		"data/one.csv":      "1,2,3",
		"data/deep/two.csv": "4,5,6",
	} {
		got, err := os.ReadFile(filepath.Join(local, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(got))
	}
	info, err := os.Stat(filepath.Join(local, "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, "/", c.Session().WorkingDir)
	assert.Equal(t, 0, srv.Count("CWD"))
}

func TestMGet_FailedFileDoesNotStopBatch(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddFile("/pub/a.txt", []byte("a"))
	srv.AddFile("/pub/b.txt", []byte("b"))
	srv.Handle("RETR", func(s *ftptest.Session, arg string) {
		if arg == "/pub/a.txt" {
			s.Reply("550 Permission denied")
			return
		}
		serveBody(s, "b")
	})
	c := loginTest(t, srv)

	reports, err := c.MGet(t.Context(), "/pub", t.TempDir())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Error(t, reports[0].Err)
	assert.NoError(t, reports[1].Err)
}

func TestMGet_NamesCannotEscapeLocalDir(t *testing.T) {
	t.Parallel()

	listing := strings.Join([]string{
		ftptest.ListLine("../escape.txt", 3, false),
		ftptest.ListLine(`..\escape.txt`, 3, false),
		ftptest.ListLine("../up", 0, true),
		ftptest.ListLine("ok.txt", 2, false),
	}, "\r\n") + "\r\n"

	for _, remoteDir := range []string{".", ""} {
		t.Run("remote dir "+remoteDir, func(t *testing.T) {
			t.Parallel()
			srv := ftptest.New(t)
			srv.Handle("LIST", func(s *ftptest.Session, arg string) {
				serveBody(s, listing)
			})
			srv.Handle("RETR", func(s *ftptest.Session, arg string) {
				serveBody(s, "ok")
			})
			c := loginTest(t, srv)

			parent := t.TempDir()
			out := filepath.Join(parent, "out")
			reports, err := c.MGet(t.Context(), remoteDir, out)
			require.NoError(t, err)
			require.Len(t, reports, 1)
			assert.Equal(t, "ok.txt", reports[0].RemoteName)
			assert.NoError(t, reports[0].Err)

			got, err := os.ReadFile(filepath.Join(out, "ok.txt"))
			require.NoError(t, err)
			assert.Equal(t, "ok", string(got))

			entries, err := os.ReadDir(parent)
			require.NoError(t, err)
			require.Len(t, entries, 1, "files written outside the target directory")
			assert.Equal(t, "out", entries[0].Name())
			assert.Equal(t, 1, srv.Count("RETR"))
		})
	}
}
