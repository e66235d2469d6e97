package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Status is the outcome of a scan.
type Status uint8

const (
	Clean     Status = 0x00
	Infected  Status = 0x01
	ScanError Status = 0x02
)

func (s Status) String() string {
	switch s {
	case Clean:
		return "CLEAN"
	case Infected:
		return "INFECTED"
	case ScanError:
		return "SCAN_ERROR"
	}
	return fmt.Sprintf("Status(0x%02x)", uint8(s))
}

func (s Status) valid() bool {
	return s == Clean || s == Infected || s == ScanError
}

// Verdict is the agent's answer for one file. Verdicts are never cached:
// each scan request produces a new one.
type Verdict struct {
	Status Status
	Detail string
}

// IsClean reports whether the verdict authorises an upload.
func (v Verdict) IsClean() bool { return v.Status == Clean }

func (v Verdict) String() string {
	if v.Detail == "" {
		return v.Status.String()
	}
	return v.Status.String() + ": " + v.Detail
}

const (
	// MaxNameLength is the largest file name a request may carry.
	MaxNameLength = 4096

	// MaxDetailLength is the largest detail a verdict may carry.
	MaxDetailLength = 65536

	// DefaultMaxFileSize is the agent's default content limit.
	DefaultMaxFileSize = 100 << 20
)

// Request is the header of a scan request. The content follows it on the
// wire.
type Request struct {
	Name string
	Size int64
}

// WriteRequest writes a complete request. Exactly size bytes are read from
// content; a shorter reader is an error.
func WriteRequest(w io.Writer, name string, content io.Reader, size int64) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	if size < 0 {
		return fmt.Errorf("negative content size %d", size)
	}

	header := make([]byte, 0, 4+len(name)+8)
	header = binary.BigEndian.AppendUint32(header, uint32(len(name)))
	header = append(header, name...)
	header = binary.BigEndian.AppendUint64(header, uint64(size))
	if _, err := w.Write(header); err != nil {
		return err
	}

	n, err := io.CopyN(w, content, size)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("content ended after %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	return err
}

// ReadRequest reads a request header. The caller reads Size content bytes
// from r afterwards. A name over MaxNameLength or a size over maxSize is
// rejected before any of it is read.
func ReadRequest(r io.Reader, maxSize int64) (Request, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:4]); err != nil {
		return Request{}, fmt.Errorf("%w: name length: %w", ErrMalformed, err)
	}
	nameLen := binary.BigEndian.Uint32(lenBuf[:4])
	if nameLen > MaxNameLength {
		return Request{}, fmt.Errorf("%w: %d bytes", ErrNameTooLong, nameLen)
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Request{}, fmt.Errorf("%w: name: %w", ErrMalformed, err)
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Request{}, fmt.Errorf("%w: file length: %w", ErrMalformed, err)
	}
	size := binary.BigEndian.Uint64(lenBuf[:])
	if size > math.MaxInt64 || (maxSize > 0 && int64(size) > maxSize) {
		return Request{Name: string(name)}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}

	return Request{Name: string(name), Size: int64(size)}, nil
}

// WriteVerdict writes a verdict frame. Details longer than
// MaxDetailLength are truncated.
func WriteVerdict(w io.Writer, v Verdict) error {
	if !v.Status.valid() {
		return fmt.Errorf("invalid status %v", v.Status)
	}
	detail := v.Detail
	if len(detail) > MaxDetailLength {
		detail = detail[:MaxDetailLength]
	}

	frame := make([]byte, 0, 5+len(detail))
	frame = append(frame, byte(v.Status))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(detail)))
	frame = append(frame, detail...)
	_, err := w.Write(frame)
	return err
}

// ReadVerdict reads one verdict frame.
func ReadVerdict(r io.Reader) (Verdict, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Verdict{}, fmt.Errorf("%w: verdict header: %w", ErrMalformed, err)
	}

	status := Status(header[0])
	if !status.valid() {
		return Verdict{}, fmt.Errorf("%w: unknown status 0x%02x", ErrMalformed, header[0])
	}
	detailLen := binary.BigEndian.Uint32(header[1:])
	if detailLen > MaxDetailLength {
		return Verdict{}, fmt.Errorf("%w: detail of %d bytes", ErrMalformed, detailLen)
	}

	detail := make([]byte, detailLen)
	if _, err := io.ReadFull(r, detail); err != nil {
		return Verdict{}, fmt.Errorf("%w: detail: %w", ErrMalformed, err)
	}
	return Verdict{Status: status, Detail: string(detail)}, nil
}
