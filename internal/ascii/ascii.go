// Package ascii translates line endings for FTP ASCII-type transfers.
//
// The protocol's canonical line ending is CRLF. An Encoder turns local LF
// line endings into CRLF on the way to the wire, a Decoder turns CRLF back
// into LF on the way from the wire. Both work as streaming io.Readers and
// produce the same output no matter how the source chunks its bytes.
package ascii

import "io"

const bufSize = 32 * 1024

// Encoder converts LF to CRLF. A LF already preceded by CR is left alone so
// files that already use CRLF are not doubled.
type Encoder struct {
	r      io.Reader
	buf    []byte
	out    []byte
	prevCR bool
	err    error
}

// NewEncoder returns a reader yielding the CRLF form of r.
func NewEncoder(r io.Reader) *Encoder {
	return &Encoder{r: r, buf: make([]byte, bufSize)}
}

func (e *Encoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(e.out) == 0 {
		if e.err != nil {
			return 0, e.err
		}
		n, err := e.r.Read(e.buf)
		e.err = err
		e.out = e.out[:0]
		for _, b := range e.buf[:n] {
			if b == '\n' && !e.prevCR {
				e.out = append(e.out, '\r')
			}
			e.out = append(e.out, b)
			e.prevCR = b == '\r'
		}
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

// Decoder converts CRLF to LF. A CR that is not followed by LF is kept.
type Decoder struct {
	r         io.Reader
	buf       []byte
	out       []byte
	pendingCR bool
	err       error
}

// NewDecoder returns a reader yielding the LF form of r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, bufSize)}
}

func (d *Decoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(d.out) == 0 {
		if d.err != nil {
			// A CR at the very end of the stream has no LF to pair with.
			if d.pendingCR {
				d.pendingCR = false
				d.out = append(d.out[:0], '\r')
				break
			}
			return 0, d.err
		}
		n, err := d.r.Read(d.buf)
		d.err = err
		d.out = d.out[:0]
		for _, b := range d.buf[:n] {
			if d.pendingCR {
				d.pendingCR = false
				if b == '\n' {
					d.out = append(d.out, '\n')
					continue
				}
				d.out = append(d.out, '\r')
			}
			if b == '\r' {
				d.pendingCR = true
				continue
			}
			d.out = append(d.out, b)
		}
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}
