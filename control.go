package scanftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// acquire marks a command as outstanding on the control connection. Only
// one command may be outstanding at a time.
func (c *Client) acquire(needLogin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		return ErrBusy
	}
	switch c.state {
	case StateDisconnected:
		return ErrNotConnected
	case StateBroken:
		return ErrSessionBroken
	case StateConnected:
		if needLogin {
			return ErrNotLoggedIn
		}
	}
	c.pending = true
	return nil
}

func (c *Client) release() {
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
}

// formatCommand builds a command line without its terminator.
func formatCommand(command string, args ...string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// printable returns the command line as it may appear in logs and errors.
func printable(line string) string {
	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		return "PASS ****"
	}
	return line
}

// send writes one command line. Bytes waiting on the control connection at
// this point were never requested and mean the stream is out of step.
func (c *Client) send(line string) error {
	if n := c.replies.Buffered(); n > 0 {
		return c.breakSession(&ProtocolError{
			Command: printable(line),
			Reason:  fmt.Sprintf("%d unsolicited bytes pending before command", n),
		})
	}

	c.logger.Debug().Str("cmd", printable(line)).Msg("ftp command")

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return c.lose(fmt.Errorf("failed to set write deadline: %w", err))
		}
	}
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		return c.lose(fmt.Errorf("failed to send %s: %w", printable(line), err))
	}
	return nil
}

// readReply reads the next reply for the command line given. Framing
// errors and reply timeouts leave the stream misaligned.
func (c *Client) readReply(line string) (*Reply, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, c.lose(fmt.Errorf("failed to set read deadline: %w", err))
		}
	}

	r, err := c.replies.Next()
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.Command = printable(line)
			return nil, c.breakSession(pe)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, c.breakSession(fmt.Errorf("timed out waiting for reply to %s: %w", printable(line), err))
		}
		return nil, c.lose(fmt.Errorf("failed to read reply to %s: %w", printable(line), err))
	}

	c.logger.Debug().Int("code", r.Code).Str("message", r.Message).Msg("ftp reply")
	return r, nil
}

// exchange sends a non-transfer command and returns its reply. The caller
// must hold the command slot.
func (c *Client) exchange(command string, args ...string) (*Reply, error) {
	line := formatCommand(command, args...)
	if err := c.send(line); err != nil {
		return nil, err
	}
	r, err := c.readReply(line)
	if err != nil {
		return nil, err
	}
	if r.Is1xx() {
		return nil, c.breakSession(&ProtocolError{
			Command: printable(line),
			Line:    r.String(),
			Reason:  "preliminary reply to a command without data transfer",
		})
	}
	return r, nil
}

// check turns a reply into an error unless it carries one of the wanted
// codes. With no wanted codes any 2xx reply is accepted.
func check(line string, r *Reply, want ...int) error {
	if r.Is4xx() || r.Is5xx() {
		return rejected(printable(line), r)
	}
	if len(want) == 0 {
		if r.Is2xx() {
			return nil
		}
	}
	for _, code := range want {
		if r.Code == code {
			return nil
		}
	}
	return &ProtocolError{
		Command: printable(line),
		Line:    r.String(),
		Reason:  fmt.Sprintf("unexpected reply code %d", r.Code),
	}
}

// verify checks a reply to a command sent on this session. A reply that is
// neither wanted nor a rejection answers some other command, so the
// session is broken.
func (c *Client) verify(line string, r *Reply, want ...int) error {
	err := check(line, r, want...)
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return c.breakSession(err)
	}
	return err
}

// command runs one complete non-transfer command and checks its reply.
func (c *Client) command(needLogin bool, want []int, command string, args ...string) (*Reply, error) {
	if err := c.acquire(needLogin); err != nil {
		return nil, err
	}
	defer c.release()

	r, err := c.exchange(command, args...)
	if err != nil {
		return nil, err
	}
	if err := c.verify(formatCommand(command, args...), r, want...); err != nil {
		return r, err
	}
	return r, nil
}

// expect2xx sends a command on a logged-in session and verifies the reply
// is in the 2xx range.
func (c *Client) expect2xx(command string, args ...string) (*Reply, error) {
	return c.command(true, nil, command, args...)
}

// expectCode sends a command on a logged-in session and verifies the reply
// code matches the expected code.
func (c *Client) expectCode(code int, command string, args ...string) (*Reply, error) {
	return c.command(true, []int{code}, command, args...)
}

// breakSession marks the session desynchronized. Every later command fails
// with ErrSessionBroken until Reconnect.
func (c *Client) breakSession(cause error) error {
	c.logger.Warn().Err(cause).Msg("control stream desynchronized")
	c.teardown(StateBroken)
	return fmt.Errorf("%w: %w", ErrSessionBroken, cause)
}

// lose records the loss of the control connection.
func (c *Client) lose(cause error) error {
	c.logger.Debug().Err(cause).Msg("control connection lost")
	c.teardown(StateDisconnected)
	return fmt.Errorf("%w: %w", ErrNotConnected, cause)
}

// teardown closes the control connection and any in-flight data channel.
func (c *Client) teardown(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = state
	c.session.Connected = false
}
