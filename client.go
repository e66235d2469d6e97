package scanftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/gonzalop/scanftp/internal/ratelimit"
)

// Mode is the representation type used for file transfers.
type Mode int

const (
	// ModeBinary transfers bytes unchanged (TYPE I).
	ModeBinary Mode = iota
	// ModeASCII translates line endings to and from CRLF (TYPE A).
	ModeASCII
)

func (m Mode) String() string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModeASCII:
		return "ascii"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// typeCode returns the TYPE argument for the mode.
func (m Mode) typeCode() string {
	if m == ModeASCII {
		return "A"
	}
	return "I"
}

// ParseMode parses "ascii"/"a" or "binary"/"bin"/"i", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ascii", "a":
		return ModeASCII, nil
	case "binary", "bin", "i", "image":
		return ModeBinary, nil
	}
	return ModeBinary, fmt.Errorf("unknown transfer mode %q", s)
}

// State is the position of the control connection in its lifecycle.
type State int

const (
	// StateDisconnected means there is no control connection.
	StateDisconnected State = iota
	// StateConnected means the server greeted with 220 and awaits login.
	StateConnected
	// StateReady means the session is logged in.
	StateReady
	// StateBroken means command/reply alignment was lost. Only Reconnect
	// leaves this state.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionState is a snapshot of the client's view of the session. It only
// changes when a command completes successfully.
type SessionState struct {
	Host       string
	Port       int
	Username   string
	Mode       Mode
	Passive    bool
	WorkingDir string
	Connected  bool
}

// Client is one FTP control session. A Client runs one command at a time;
// issuing a command while another is outstanding returns ErrBusy.
type Client struct {
	// conn is the control connection
	conn net.Conn

	// replies frames conn into replies
	replies *ReplyReader

	// addr is the "host:port" dialed
	addr string

	// timeout applies to dialing and to every control read and write
	timeout time.Duration

	// activeTimeout bounds the wait for the server's data connection in
	// active mode
	activeTimeout time.Duration

	logger  zerolog.Logger
	dialer  *net.Dialer
	parsers []ListingParser
	limiter *ratelimit.Limiter
	scanner Scanner

	// password is kept for Reconnect
	password string

	// wireType is the last TYPE the server acknowledged, "" when unknown
	wireType string

	// mu guards state, pending, session and data
	mu      sync.Mutex
	state   State
	pending bool
	session SessionState
	data    io.Closer
}

// Dial connects to an FTP server at the given address and reads its
// greeting. The address should be in the form "host:port".
//
// Example:
//
//	client, err := scanftp.Dial("ftp.example.com:21",
//	    scanftp.WithScanner(scan.NewGate("127.0.0.1:12067")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
func Dial(addr string, options ...Option) (*Client, error) {
	return DialContext(context.Background(), addr, options...)
}

// DialContext is like Dial but bounds the connection attempt with ctx.
func DialContext(ctx context.Context, addr string, options ...Option) (*Client, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	c := &Client{
		addr:          addr,
		timeout:       30 * time.Second,
		activeTimeout: 30 * time.Second,
		dialer:        &net.Dialer{},
		logger:        zerolog.Nop(),
		parsers: []ListingParser{
			&EPLFParser{},
			&DOSParser{},
			&UnixParser{},
		},
		session: SessionState{
			Host:    host,
			Port:    port,
			Mode:    ModeBinary,
			Passive: true,
		},
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.dialer.Timeout == 0 {
		c.dialer.Timeout = c.timeout
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect connects to an FTP server using a URL and logs in.
// Format: ftp://[user:password@]host[:port][/path]
//
// Without credentials the client logs in as anonymous.
func Connect(ctx context.Context, urlStr string, options ...Option) (*Client, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "ftp") {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = "21"
	}

	c, err := DialContext(ctx, net.JoinHostPort(u.Hostname(), port), options...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, _ := u.User.Password()
	if user == "" {
		user = "anonymous"
		pass = "anonymous@"
	}

	if err := c.Login(user, pass); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDir(u.Path); err != nil {
			_ = c.Quit()
			return nil, fmt.Errorf("failed to change directory: %w", err)
		}
	}

	return c, nil
}

// connect dials the control connection and waits for the 220 greeting.
func (c *Client) connect(ctx context.Context) error {
	c.logger.Debug().Str("addr", c.addr).Msg("connecting to ftp server")

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if c.timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	replies := NewReplyReader(conn)
	greeting, err := replies.Next()
	// 120 announces a delay; the real greeting follows.
	for err == nil && greeting.Code == 120 {
		c.logger.Debug().Str("message", greeting.Message).Msg("server not ready yet")
		greeting, err = replies.Next()
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read greeting: %w", err)
	}

	c.logger.Debug().Int("code", greeting.Code).Str("message", greeting.Message).Msg("ftp greeting")

	if greeting.Code != 220 {
		conn.Close()
		if greeting.Is4xx() || greeting.Is5xx() {
			return rejected("CONNECT", greeting)
		}
		return &ProtocolError{
			Command: "CONNECT",
			Line:    greeting.String(),
			Reason:  fmt.Sprintf("unexpected greeting code %d", greeting.Code),
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.replies = replies
	c.wireType = ""
	c.state = StateConnected
	c.session.Connected = true
	c.session.Username = ""
	c.mu.Unlock()
	return nil
}

// Login authenticates with USER and PASS. On success the session is ready
// and its working directory is read with PWD.
func (c *Client) Login(username, password string) error {
	if err := c.acquire(false); err != nil {
		return err
	}
	defer c.release()

	if c.State() == StateReady {
		return fmt.Errorf("scanftp: already logged in as %s", c.Session().Username)
	}

	line := formatCommand("USER", username)
	r, err := c.exchange("USER", username)
	if err != nil {
		return err
	}
	if err := c.verify(line, r, 230, 331, 332); err != nil {
		return err
	}

	if r.Code == 331 {
		line = formatCommand("PASS", password)
		r, err = c.exchange("PASS", password)
		if err != nil {
			return err
		}
		if err := c.verify(line, r, 230, 202, 332); err != nil {
			return err
		}
	}

	if r.Code == 332 {
		return c.breakSession(&ProtocolError{
			Command: printable(line),
			Line:    r.String(),
			Reason:  "server requires an account (ACCT), which is not supported",
		})
	}

	c.mu.Lock()
	c.state = StateReady
	c.session.Username = username
	c.password = password
	c.mu.Unlock()

	c.logger.Debug().Str("user", username).Msg("logged in")

	if dir, err := c.pwd(); err == nil {
		c.setWorkingDir(dir)
	} else if !isRejection(err) {
		return err
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the session state.
func (c *Client) Session() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetPassive selects passive (PASV) or active (PORT) data channels for
// subsequent transfers. No command is sent.
func (c *Client) SetPassive(passive bool) {
	c.mu.Lock()
	c.session.Passive = passive
	c.mu.Unlock()
}

// SetMode sends TYPE and records the new transfer mode once the server
// accepts it.
func (c *Client) SetMode(mode Mode) error {
	if mode != ModeASCII && mode != ModeBinary {
		return fmt.Errorf("unknown transfer mode: %v", mode)
	}
	if _, err := c.expectCode(200, "TYPE", mode.typeCode()); err != nil {
		return err
	}

	c.mu.Lock()
	c.wireType = mode.typeCode()
	c.session.Mode = mode
	c.mu.Unlock()
	return nil
}

// ensureType sends TYPE when the server's type differs from the session
// mode. The caller must hold the command slot.
func (c *Client) ensureType(mode Mode) error {
	code := mode.typeCode()
	if c.wireType == code {
		return nil
	}
	r, err := c.exchange("TYPE", code)
	if err != nil {
		return err
	}
	if err := c.verify("TYPE "+code, r, 200); err != nil {
		return err
	}
	c.wireType = code
	return nil
}

// Noop sends a NOOP command to the server. It is useful as a liveness
// check and to keep idle sessions from timing out.
func (c *Client) Noop() error {
	_, err := c.command(false, nil, "NOOP")
	return err
}

// Status checks the session with NOOP and returns its state.
func (c *Client) Status() (SessionState, error) {
	err := c.Noop()
	return c.Session(), err
}

// Reconnect drops the current control connection, dials again, logs in
// with the stored credentials and returns to the previous working
// directory. Dial failures are retried with exponential backoff.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return ErrBusy
	}
	prev := c.session
	password := c.password
	c.mu.Unlock()

	c.teardown(StateDisconnected)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	operation := func() error {
		err := c.connect(ctx)
		if isRejection(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect attempt failed")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}

	if prev.Username == "" {
		return nil
	}
	if err := c.Login(prev.Username, password); err != nil {
		return fmt.Errorf("reconnect login failed: %w", err)
	}
	if prev.WorkingDir != "" && prev.WorkingDir != c.Session().WorkingDir {
		if err := c.ChangeDir(prev.WorkingDir); err != nil {
			return fmt.Errorf("failed to restore working directory: %w", err)
		}
	}
	return nil
}

// Quit closes the session gracefully with QUIT. A transfer in progress
// is aborted by closing its data channel.
func (c *Client) Quit() error {
	c.mu.Lock()
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	c.mu.Unlock()

	if err := c.acquire(false); err == nil {
		if err := c.send("QUIT"); err == nil {
			_, _ = c.readReply("QUIT")
		}
		c.release()
	}

	return c.Close()
}

// Close closes the control connection without QUIT.
func (c *Client) Close() error {
	c.teardown(StateDisconnected)
	return nil
}

func (c *Client) setWorkingDir(dir string) {
	c.mu.Lock()
	c.session.WorkingDir = dir
	c.mu.Unlock()
}
