package scanftp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reply is one complete server reply. Multi-line replies are reassembled
// into a single Reply carrying the code of the closing line.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the reply text without code prefixes, lines joined by "\n"
	Message string

	// Lines contains all raw lines of the reply, terminators removed
	Lines []string
}

// Final reports whether the reply completes its command. 1xx replies are
// preliminary and are followed by another reply for the same command.
func (r *Reply) Final() bool {
	return r.Code >= 200
}

// Is1xx returns true if the reply is a preliminary reply.
func (r *Reply) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Reply) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Reply) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Reply) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the full reply as received.
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// ReplyReader frames a control stream into replies.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// A reply is complete when a line starts with the pending code followed by a
// space. Lines inside a multi-line block that do not carry the code are kept
// as text. The last line of the stream may lack its terminator.
type ReplyReader struct {
	r   *bufio.Reader
	eof bool
}

// NewReplyReader returns a ReplyReader reading from r.
func NewReplyReader(r io.Reader) *ReplyReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ReplyReader{r: br}
}

// Buffered returns the number of bytes received but not yet consumed.
// Anything buffered between commands is an unsolicited reply.
func (rr *ReplyReader) Buffered() int {
	return rr.r.Buffered()
}

// Next returns the next complete reply. It returns io.EOF when the stream
// ends cleanly between replies and a *ProtocolError when the stream holds
// something that is not a reply or ends inside one.
func (rr *ReplyReader) Next() (*Reply, error) {
	line, err := rr.readLine()
	if err != nil {
		return nil, err
	}

	code, sep, err := parseReplyLine(line)
	if err != nil {
		return nil, err
	}

	reply := &Reply{Code: code, Lines: []string{line}}
	if sep != '-' {
		reply.Message = replyText(line)
		return reply, nil
	}

	codeStr := line[:3]
	text := []string{replyText(line)}
	for {
		line, err = rr.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ProtocolError{
					Line:   reply.String(),
					Reason: fmt.Sprintf("stream ended inside multi-line reply %s", codeStr),
				}
			}
			return nil, err
		}
		reply.Lines = append(reply.Lines, line)

		if strings.HasPrefix(line, codeStr) && (len(line) == 3 || line[3] == ' ') {
			text = append(text, replyText(line))
			break
		}
		if strings.HasPrefix(line, codeStr+"-") {
			text = append(text, replyText(line))
			continue
		}
		// RFC 959 allows free-form inner lines (FEAT uses a leading space).
		text = append(text, strings.TrimPrefix(line, " "))
	}

	reply.Message = strings.Join(text, "\n")
	return reply, nil
}

// readLine returns one line without its terminator. A final unterminated
// line is returned before io.EOF.
func (rr *ReplyReader) readLine() (string, error) {
	if rr.eof {
		return "", io.EOF
	}
	line, err := rr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			rr.eof = true
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseReplyLine validates the first line of a reply and returns its code
// and separator (' ' or '-'). A bare three-digit line counts as final.
func parseReplyLine(line string) (int, byte, error) {
	if len(line) < 3 {
		return 0, 0, &ProtocolError{Line: line, Reason: "reply line too short"}
	}
	code := 0
	for i := range 3 {
		ch := line[i]
		if ch < '0' || ch > '9' {
			return 0, 0, &ProtocolError{Line: line, Reason: "reply code is not numeric"}
		}
		code = code*10 + int(ch-'0')
	}
	if code < 100 || code > 599 {
		return 0, 0, &ProtocolError{Line: line, Reason: fmt.Sprintf("reply code %d out of range", code)}
	}
	if len(line) == 3 {
		return code, ' ', nil
	}
	switch line[3] {
	case ' ', '-':
		return code, line[3], nil
	}
	return 0, 0, &ProtocolError{Line: line, Reason: "invalid reply separator"}
}

func replyText(line string) string {
	if len(line) <= 4 {
		return ""
	}
	return line[4:]
}
