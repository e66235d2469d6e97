package scanftp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"regexp"
	"strconv"

	"github.com/gonzalop/scanftp/internal/ascii"
	"github.com/gonzalop/scanftp/internal/ratelimit"
)

// Direction of a transfer.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// TransferJob describes one finished or failed file transfer.
type TransferJob struct {
	Direction  Direction
	LocalPath  string
	RemoteName string
	Mode       Mode

	// TotalBytes is the expected size, -1 when the server did not announce it
	TotalBytes int64

	// BytesMoved counts local bytes read (upload) or written (download)
	BytesMoved int64
}

// TransferOption configures a single transfer.
type TransferOption func(*transferOptions)

type transferOptions struct {
	progress ProgressFunc
}

// WithProgress reports the cumulative local byte count after every chunk.
// Panics raised by fn are recovered and ignored.
func WithProgress(fn ProgressFunc) TransferOption {
	return func(o *transferOptions) {
		o.progress = fn
	}
}

func applyTransferOptions(opts []TransferOption) transferOptions {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// streamFunc moves the payload over an open data connection and returns
// the number of local bytes moved.
type streamFunc func(data net.Conn, prelim *Reply) (int64, error)

// transfer runs one data-channel command (LIST, RETR or STOR): negotiate
// the channel, send the command, stream, close the channel, then read the
// completion reply. The completion reply is always consumed, also when
// streaming fails, so the control stream stays aligned.
func (c *Client) transfer(ctx context.Context, op, remote string, mode *Mode, line string, stream streamFunc) error {
	if err := c.acquire(true); err != nil {
		return err
	}
	defer c.release()

	if err := ctx.Err(); err != nil {
		return err
	}

	if mode != nil {
		if err := c.ensureType(*mode); err != nil {
			return err
		}
	}

	ch, err := c.negotiator().prepare(ctx, c)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := c.send(line); err != nil {
		return err
	}
	prelim, err := c.readReply(line)
	if err != nil {
		return err
	}
	if prelim.Is4xx() || prelim.Is5xx() {
		return rejected(printable(line), prelim)
	}
	if prelim.Is3xx() {
		return c.breakSession(&ProtocolError{
			Command: printable(line),
			Line:    prelim.String(),
			Reason:  "intermediate reply to a transfer command",
		})
	}

	conn, err := ch.open()
	if err != nil {
		if prelim.Is1xx() {
			// The server reports the failed connection (usually 425).
			if _, rerr := c.readReply(line); rerr != nil {
				return rerr
			}
		}
		return err
	}
	conn = withDeadlines(conn, c.timeout)

	c.mu.Lock()
	c.data = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { abort(conn) })
	moved, streamErr := stream(conn, prelim)
	stop()
	if streamErr != nil {
		abort(conn)
	}
	conn.Close()

	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()

	if streamErr != nil {
		if ctx.Err() != nil {
			streamErr = fmt.Errorf("transfer aborted: %w", context.Cause(ctx))
		}
		streamErr = &TransferError{Op: op, Path: remote, BytesMoved: moved, Err: streamErr}
	}

	c.logger.Debug().Str("op", op).Str("path", remote).Str("role", ch.role().String()).
		Int64("bytes", moved).Msg("data transfer finished")

	// A 2xx right away means the server already finished; there is no
	// second reply.
	if prelim.Is2xx() {
		return streamErr
	}

	final, err := c.readReply(line)
	if err != nil {
		return err
	}
	if final.Is1xx() {
		return c.breakSession(&ProtocolError{
			Command: printable(line),
			Line:    final.String(),
			Reason:  "second preliminary reply to a transfer command",
		})
	}
	if err := c.verify(printable(line), final); err != nil {
		if streamErr != nil && isRejection(err) {
			return streamErr
		}
		return err
	}
	return streamErr
}

// abort closes a data connection with a reset, so a server receiving an
// upload sees a failed transfer rather than a clean end of file.
func abort(conn net.Conn) {
	raw := conn
	if dc, ok := conn.(*deadlineConn); ok {
		raw = dc.Conn
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	raw.Close()
}

// sizeRegex matches the size many servers put in their 150 reply:
// "150 Opening BINARY mode data connection for file.bin (1234 bytes)"
var sizeRegex = regexp.MustCompile(`\((\d+) bytes\)`)

// announcedSize returns the size announced in a preliminary reply, or -1.
func announcedSize(r *Reply) int64 {
	if r == nil {
		return -1
	}
	m := sizeRegex.FindStringSubmatch(r.Message)
	if m == nil {
		return -1
	}
	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return -1
	}
	return size
}

// Get downloads remoteName into localPath using the session's transfer
// mode. An empty localPath means the remote base name in the current
// directory. A failed download leaves the partial local file in place.
func (c *Client) Get(ctx context.Context, remoteName, localPath string, opts ...TransferOption) (*TransferJob, error) {
	if localPath == "" {
		localPath = path.Base(remoteName)
	}
	o := applyTransferOptions(opts)

	job := &TransferJob{
		Direction:  Download,
		LocalPath:  localPath,
		RemoteName: remoteName,
		Mode:       c.Session().Mode,
		TotalBytes: -1,
	}

	f, err := os.Create(localPath)
	if err != nil {
		return job, fmt.Errorf("failed to create local file: %w", err)
	}

	err = c.retrieve(ctx, job, f, o.progress)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close local file: %w", cerr)
	}
	return job, err
}

// Retrieve downloads remoteName into w using the session's transfer mode.
func (c *Client) Retrieve(ctx context.Context, remoteName string, w io.Writer, opts ...TransferOption) (*TransferJob, error) {
	o := applyTransferOptions(opts)
	job := &TransferJob{
		Direction:  Download,
		RemoteName: remoteName,
		Mode:       c.Session().Mode,
		TotalBytes: -1,
	}
	return job, c.retrieve(ctx, job, w, o.progress)
}

func (c *Client) retrieve(ctx context.Context, job *TransferJob, w io.Writer, progress ProgressFunc) error {
	line := formatCommand("RETR", job.RemoteName)
	return c.transfer(ctx, "download", job.RemoteName, &job.Mode, line, func(data net.Conn, prelim *Reply) (int64, error) {
		job.TotalBytes = announcedSize(prelim)

		pw := &ProgressWriter{Writer: w, Callback: progress}
		var src io.Reader = ratelimit.NewReader(ctx, data, c.limiter)
		if job.Mode == ModeASCII {
			src = ascii.NewDecoder(src)
		}
		_, err := io.Copy(pw, src)
		job.BytesMoved = pw.Total()
		return job.BytesMoved, err
	})
}

// store uploads r as remoteName. It is reachable only through Put, which
// checks the content with the scanner first.
func (c *Client) store(ctx context.Context, job *TransferJob, r io.Reader, progress ProgressFunc) error {
	line := formatCommand("STOR", job.RemoteName)
	return c.transfer(ctx, "upload", job.RemoteName, &job.Mode, line, func(data net.Conn, _ *Reply) (int64, error) {
		pr := &ProgressReader{Reader: r, Callback: progress}
		var src io.Reader = pr
		if job.Mode == ModeASCII {
			src = ascii.NewEncoder(src)
		}
		_, err := io.Copy(ratelimit.NewWriter(ctx, data, c.limiter), src)
		job.BytesMoved = pr.Total()
		return job.BytesMoved, err
	})
}

// List returns the decoded LIST output for path, or for the working
// directory when path is empty. Entries keep the server's order.
//
// Example:
//
//	entries, err := client.List(ctx, "/pub")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, entry := range entries {
//	    fmt.Printf("%s: %d bytes (%s)\n", entry.Name, entry.Size, entry.Kind)
//	}
func (c *Client) List(ctx context.Context, path string) ([]ListingEntry, error) {
	line := "LIST"
	if path != "" {
		line = formatCommand("LIST", path)
	}

	var body bytes.Buffer
	err := c.transfer(ctx, "list", path, nil, line, func(data net.Conn, _ *Reply) (int64, error) {
		return io.Copy(&body, ratelimit.NewReader(ctx, data, c.limiter))
	})
	if err != nil {
		return nil, err
	}
	return DecodeListing(&body, c.parsers...)
}
