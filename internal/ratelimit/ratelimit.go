// Package ratelimit throttles transfer streams to a fixed number of bytes per
// second. It is a thin io.Reader/io.Writer layer over golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds a single wait so throttling stays smooth on large buffers.
const maxChunk = 32 * 1024

// Limiter is a byte-rate token bucket with a one second burst.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter for bytesPerSecond, or nil when the rate is not
// positive. A nil *Limiter means unlimited and is accepted everywhere.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst <= 0 {
		burst = int(^uint(0) >> 1)
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// chunk returns how many bytes may be moved in one step.
func (l *Limiter) chunk(n int) int {
	if n > maxChunk {
		n = maxChunk
	}
	if b := l.lim.Burst(); n > b {
		n = b
	}
	return n
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	return l.lim.WaitN(ctx, n)
}

type reader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

// NewReader wraps r so reads do not exceed the limiter's rate. If l is nil
// the original reader is returned.
func NewReader(ctx context.Context, r io.Reader, l *Limiter) io.Reader {
	if l == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, l: l}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := r.l.chunk(len(p))
	if err := r.l.wait(r.ctx, n); err != nil {
		return 0, err
	}
	return r.r.Read(p[:n])
}

type writer struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

// NewWriter wraps w so writes do not exceed the limiter's rate. If l is nil
// the original writer is returned.
func NewWriter(ctx context.Context, w io.Writer, l *Limiter) io.Writer {
	if l == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, l: l}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := w.l.chunk(len(p) - written)
		if err := w.l.wait(w.ctx, n); err != nil {
			return written, err
		}
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
