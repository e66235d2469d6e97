package scanftp

import "io"

// ProgressFunc receives the cumulative number of local bytes moved so far.
type ProgressFunc func(bytesMoved int64)

// ProgressReader wraps an io.Reader and reports progress via a callback.
type ProgressReader struct {
	// Reader is the underlying reader
	Reader io.Reader

	// Callback is called after each Read with the total bytes transferred
	Callback ProgressFunc

	// total tracks the total bytes read
	total int64
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.total += int64(n)
	if n > 0 {
		notify(pr.Callback, pr.total)
	}
	return n, err
}

// Total returns the number of bytes read so far.
func (pr *ProgressReader) Total() int64 { return pr.total }

// ProgressWriter wraps an io.Writer and reports progress via a callback.
type ProgressWriter struct {
	// Writer is the underlying writer
	Writer io.Writer

	// Callback is called after each Write with the total bytes transferred
	Callback ProgressFunc

	// total tracks the total bytes written
	total int64
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.total += int64(n)
	if n > 0 {
		notify(pw.Callback, pw.total)
	}
	return n, err
}

// Total returns the number of bytes written so far.
func (pw *ProgressWriter) Total() int64 { return pw.total }

// notify calls fn, discarding any panic it raises. A broken progress
// display must not abort a transfer.
func notify(fn ProgressFunc, total int64) {
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(total)
}
