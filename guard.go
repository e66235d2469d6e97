package scanftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gonzalop/scanftp/scan"
)

// Scanner certifies file content before upload. *scan.Gate implements it.
type Scanner interface {
	Scan(ctx context.Context, name string, content io.Reader, size int64) (scan.Verdict, error)
}

// errNoScanner is reported when a client without a scanner is asked to upload.
var errNoScanner = errors.New("no scanner configured")

// UploadBlocked is returned when a file was not uploaded because its
// verdict was not clean.
type UploadBlocked struct {
	Path    string
	Verdict scan.Verdict

	// Err is the scan failure behind a ScanError verdict, if any
	Err error
}

func (e *UploadBlocked) Error() string {
	return fmt.Sprintf("upload of %s blocked: %s", e.Path, e.Verdict)
}

func (e *UploadBlocked) Unwrap() error { return e.Err }

// PutReport is the outcome of one gated upload.
type PutReport struct {
	LocalPath  string
	RemoteName string

	// Verdict is the scan verdict; ScanError when no verdict was obtained
	Verdict scan.Verdict

	// Job is set once the upload was attempted
	Job *TransferJob

	Err error
}

// Uploaded reports whether the file reached the server.
func (r *PutReport) Uploaded() bool {
	return r.Err == nil && r.Job != nil
}

// Put scans localPath and, only on a CLEAN verdict, uploads it as
// remoteName using the session's transfer mode. An empty remoteName means
// the local base name.
//
// The content is copied to a private snapshot while it is scanned and the
// snapshot is what gets uploaded, so the server receives exactly the bytes
// the scanner certified even if the local file changes in between.
//
// The returned report is never nil. A blocked upload returns an
// *UploadBlocked error.
func (c *Client) Put(ctx context.Context, localPath, remoteName string, opts ...TransferOption) (*PutReport, error) {
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	report := &PutReport{
		LocalPath:  localPath,
		RemoteName: remoteName,
		Verdict:    scan.Verdict{Status: scan.ScanError},
	}
	fail := func(err error) (*PutReport, error) {
		report.Err = err
		return report, err
	}

	if err := c.usable(); err != nil {
		return fail(err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fail(fmt.Errorf("failed to open local file: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("failed to stat local file: %w", err))
	}
	if !info.Mode().IsRegular() {
		return fail(fmt.Errorf("%s is not a regular file", localPath))
	}

	snapshot, err := os.CreateTemp("", "scanftp-put-*")
	if err != nil {
		return fail(fmt.Errorf("failed to create upload snapshot: %w", err))
	}
	defer os.Remove(snapshot.Name())
	defer snapshot.Close()

	verdict, err := c.certify(ctx, info.Name(), io.TeeReader(f, snapshot), info.Size())
	if err == nil && verdict.IsClean() {
		// Accept CLEAN only if the snapshot holds every certified byte.
		if pos, serr := snapshot.Seek(0, io.SeekCurrent); serr != nil || pos != info.Size() {
			verdict = scan.Verdict{Status: scan.ScanError, Detail: "scanner did not consume the whole file"}
		}
	}
	report.Verdict = verdict

	log := c.logger.With().Str("file", localPath).Str("verdict", verdict.Status.String()).Logger()
	if err != nil || !verdict.IsClean() {
		log.Warn().Err(err).Str("detail", verdict.Detail).Msg("upload blocked")
		return fail(&UploadBlocked{Path: localPath, Verdict: verdict, Err: err})
	}
	log.Debug().Msg("file certified clean")

	if _, err := snapshot.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("failed to rewind upload snapshot: %w", err))
	}

	o := applyTransferOptions(opts)
	report.Job = &TransferJob{
		Direction:  Upload,
		LocalPath:  localPath,
		RemoteName: remoteName,
		Mode:       c.Session().Mode,
		TotalBytes: info.Size(),
	}
	if err := c.store(ctx, report.Job, snapshot, o.progress); err != nil {
		return fail(err)
	}
	return report, nil
}

// certify asks the scanner for a verdict. Without a scanner every file is
// a scan error.
func (c *Client) certify(ctx context.Context, name string, content io.Reader, size int64) (scan.Verdict, error) {
	if c.scanner == nil {
		return scan.Verdict{Status: scan.ScanError, Detail: errNoScanner.Error()}, errNoScanner
	}
	v, err := c.scanner.Scan(ctx, name, content, size)
	if err != nil && v.IsClean() {
		v = scan.Verdict{Status: scan.ScanError, Detail: err.Error()}
	}
	return v, err
}

// usable reports why no command could run right now, without claiming the
// command slot.
func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnected:
		return ErrNotConnected
	case StateBroken:
		return ErrSessionBroken
	case StateConnected:
		return ErrNotLoggedIn
	}
	if c.pending {
		return ErrBusy
	}
	return nil
}
