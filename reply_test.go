package scanftp

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
)

func TestReplyReader_SingleLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "simple success",
			input:    "220 Welcome\r\n",
			wantCode: 220,
			wantMsg:  "Welcome",
		},
		{
			name:     "error response",
			input:    "550 File not found\r\n",
			wantCode: 550,
			wantMsg:  "File not found",
		},
		{
			name:     "code with no message",
			input:    "200 \r\n",
			wantCode: 200,
			wantMsg:  "",
		},
		{
			name:     "bare code",
			input:    "200\r\n",
			wantCode: 200,
			wantMsg:  "",
		},
		{
			name:     "bare LF terminator",
			input:    "331 Password required\n",
			wantCode: 331,
			wantMsg:  "Password required",
		},
		{
			name:     "final line without terminator",
			input:    "221 Goodbye",
			wantCode: 221,
			wantMsg:  "Goodbye",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewReplyReader(strings.NewReader(tt.input)).Next()
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("Next() code = %v, want %v", resp.Code, tt.wantCode)
			}
			if resp.Message != tt.wantMsg {
				t.Errorf("Next() message = %q, want %q", resp.Message, tt.wantMsg)
			}
		})
	}
}

func TestReplyReader_MultiLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantMsg  string
		wantLen  int
	}{
		{
			name: "multi-line response",
			input: "220-Welcome to FTP\r\n" +
				"220-This is line 2\r\n" +
				"220 Ready\r\n",
			wantCode: 220,
			wantMsg:  "Welcome to FTP\nThis is line 2\nReady",
			wantLen:  3,
		},
		{
			name: "free-form inner lines",
			input: "211-Features:\r\n" +
				" SIZE\r\n" +
				"some text\r\n" +
				"211 End\r\n",
			wantCode: 211,
			wantMsg:  "Features:\nSIZE\nsome text\nEnd",
			wantLen:  4,
		},
		{
			name: "inner line with other code",
			input: "226-Transfer complete\r\n" +
				"150 not a terminator\r\n" +
				"226 Closing data connection\r\n",
			wantCode: 226,
			wantMsg:  "Transfer complete\n150 not a terminator\nClosing data connection",
			wantLen:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewReplyReader(strings.NewReader(tt.input)).Next()
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("Next() code = %v, want %v", resp.Code, tt.wantCode)
			}
			if resp.Message != tt.wantMsg {
				t.Errorf("Next() message = %q, want %q", resp.Message, tt.wantMsg)
			}
			if len(resp.Lines) != tt.wantLen {
				t.Errorf("Next() lines = %d, want %d", len(resp.Lines), tt.wantLen)
			}
		})
	}
}

func TestReplyReader_Sequence(t *testing.T) {
	t.Parallel()
	input := "220-Hello\r\n220 there\r\n331 Password\r\n230 Logged in\r\n"
	want := []int{220, 331, 230}

	// Framing must not depend on how the bytes arrive.
	readers := map[string]io.Reader{
		"whole":    strings.NewReader(input),
		"one byte": iotest.OneByteReader(strings.NewReader(input)),
		"half":     iotest.HalfReader(strings.NewReader(input)),
	}
	for name, r := range readers {
		t.Run(name, func(t *testing.T) {
			rr := NewReplyReader(r)
			var got []int
			for {
				resp, err := rr.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				got = append(got, resp.Code)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("codes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplyReader_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{"not numeric", "abc hello\r\n"},
		{"too short", "22\r\n"},
		{"code out of range", "099 hi\r\n"},
		{"code too large", "600 hi\r\n"},
		{"bad separator", "220xWelcome\r\n"},
		{"unclosed multi-line", "220-Welcome\r\n220-more\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReplyReader(strings.NewReader(tt.input)).Next()
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Next() error = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestReplyReader_EOF(t *testing.T) {
	t.Parallel()
	_, err := NewReplyReader(strings.NewReader("")).Next()
	if !errors.Is(err, io.EOF) {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestReply_CodeChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code  int
		class int
	}{
		{150, 1},
		{226, 2},
		{350, 3},
		{421, 4},
		{550, 5},
	}

	for _, tt := range tests {
		r := &Reply{Code: tt.code}
		got := []bool{r.Is1xx(), r.Is2xx(), r.Is3xx(), r.Is4xx(), r.Is5xx()}
		for i, ok := range got {
			if ok != (i+1 == tt.class) {
				t.Errorf("code %d: Is%dxx() = %v", tt.code, i+1, ok)
			}
		}
		if r.Final() != (tt.class != 1) {
			t.Errorf("code %d: Final() = %v", tt.code, r.Final())
		}
	}
}

func TestCommandRejected(t *testing.T) {
	t.Parallel()
	temp := rejected("STOR a.txt", &Reply{Code: 451, Message: "Local error"})
	if !temp.IsTemporary() || temp.IsPermanent() {
		t.Errorf("451 should be temporary")
	}
	perm := rejected("STOR a.txt", &Reply{Code: 553, Message: "Not allowed"})
	if !perm.IsPermanent() || perm.IsTemporary() {
		t.Errorf("553 should be permanent")
	}
	if !strings.Contains(perm.Error(), "553 Not allowed") {
		t.Errorf("Error() = %q", perm.Error())
	}
	if !isRejection(perm) {
		t.Errorf("isRejection() = false")
	}
}

func FuzzReplyReader(f *testing.F) {
	f.Add("220 Welcome\r\n")
	f.Add("220-Welcome\r\n220 Ready\r\n")
	f.Add("211-Features:\r\n SIZE\r\n211 End\r\n")
	f.Add("150 Opening\r\n226 Done")
	f.Add("22")

	f.Fuzz(func(t *testing.T, s string) {
		rr := NewReplyReader(strings.NewReader(s))
		for range 100 {
			resp, err := rr.Next()
			if err != nil {
				return
			}
			if resp.Code < 100 || resp.Code > 599 {
				t.Fatalf("code %d out of range", resp.Code)
			}
		}
	})
}
