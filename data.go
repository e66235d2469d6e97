package scanftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

// Role says which side opened the data connection.
type Role int

const (
	// RolePassive means the client dialed the server (PASV).
	RolePassive Role = iota
	// RoleActive means the server connected back to the client (PORT).
	RoleActive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "passive"
}

// dataNegotiator sets up the data channel for one transfer. prepare runs
// before the transfer command is sent; the caller holds the command slot.
type dataNegotiator interface {
	prepare(ctx context.Context, c *Client) (dataChannel, error)
}

// dataChannel is a data connection in the making.
type dataChannel interface {
	// open returns the stream. It is called once the transfer command has
	// been accepted; in active mode it waits for the server to connect.
	open() (net.Conn, error)
	role() Role
	Close() error
}

// negotiator returns the negotiator matching the session's passive flag.
func (c *Client) negotiator() dataNegotiator {
	if c.Session().Passive {
		return passiveNegotiator{}
	}
	return activeNegotiator{}
}

// pasvRegex matches the PASV reply format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
var pasvRegex = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

// parsePASV parses a PASV reply and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(message string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(message)
	if len(matches) != 7 {
		return "", fmt.Errorf("no address in PASV reply: %q", message)
	}

	var n [6]int
	for i := range n {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("PASV number out of range: %s", matches[i+1])
		}
		n[i] = val
	}

	host := fmt.Sprintf("%d.%d.%d.%d", n[0], n[1], n[2], n[3])
	port := n[4]*256 + n[5]
	if port == 0 {
		return "", fmt.Errorf("PASV port is zero")
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// formatPORT formats an address for the PORT command.
// Converts "192.168.1.100:50000" to "192,168,1,100,195,80"
func formatPORT(addr net.Addr) (string, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("not a TCP address: %v", addr)
	}
	ip := tcp.IP.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address, have %v", tcp.IP)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], tcp.Port/256, tcp.Port%256), nil
}

// resolveDataAddr replaces a 0.0.0.0 PASV host with the control host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// controlHost returns the IP the control connection reached.
func (c *Client) controlHost() string {
	if c.conn != nil {
		if addr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
			return addr.IP.String()
		}
	}
	return c.Session().Host
}

type passiveNegotiator struct{}

// prepare sends PASV and dials the announced address before the transfer
// command goes out.
func (passiveNegotiator) prepare(ctx context.Context, c *Client) (dataChannel, error) {
	r, err := c.exchange("PASV")
	if err != nil {
		return nil, err
	}
	if err := c.verify("PASV", r, 227); err != nil {
		return nil, err
	}

	addr, err := parsePASV(r.Message)
	if err != nil {
		return nil, &NegotiationError{Mode: "passive", Reply: r.String(), Err: err}
	}
	addr = resolveDataAddr(addr, c.controlHost())

	c.logger.Debug().Str("addr", addr).Msg("opening passive data connection")
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
		}
		return nil, &NegotiationError{Mode: "passive", Reply: r.String(), Err: err}
	}
	return &passiveChannel{conn: conn}, nil
}

type passiveChannel struct {
	conn net.Conn
}

func (p *passiveChannel) open() (net.Conn, error) { return p.conn, nil }
func (p *passiveChannel) role() Role              { return RolePassive }
func (p *passiveChannel) Close() error            { return p.conn.Close() }

type activeNegotiator struct{}

// prepare listens on the control connection's local address and announces
// it with PORT.
func (activeNegotiator) prepare(ctx context.Context, c *Client) (dataChannel, error) {
	host := "0.0.0.0"
	if addr, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		host = addr.IP.String()
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, &NegotiationError{Mode: "active", Err: fmt.Errorf("failed to create listener: %w", err)}
	}

	arg, err := formatPORT(listener.Addr())
	if err != nil {
		listener.Close()
		return nil, &NegotiationError{Mode: "active", Err: err}
	}

	r, err := c.exchange("PORT", arg)
	if err != nil {
		listener.Close()
		return nil, err
	}
	if err := c.verify("PORT "+arg, r, 200); err != nil {
		listener.Close()
		return nil, err
	}

	c.logger.Debug().Str("addr", listener.Addr().String()).Msg("waiting for active data connection")
	return &activeChannel{listener: listener, timeout: c.activeTimeout}, nil
}

type activeChannel struct {
	listener net.Listener
	conn     net.Conn
	timeout  time.Duration
}

// open accepts the server's connection within the active timeout. The
// listener is released either way.
func (a *activeChannel) open() (net.Conn, error) {
	defer a.listener.Close()

	if l, ok := a.listener.(*net.TCPListener); ok && a.timeout > 0 {
		_ = l.SetDeadline(time.Now().Add(a.timeout))
	}
	conn, err := a.listener.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			err = fmt.Errorf("server did not connect within %v: %w", a.timeout, err)
		}
		return nil, &NegotiationError{Mode: "active", Err: err}
	}
	a.conn = conn
	return conn, nil
}

func (a *activeChannel) role() Role { return RoleActive }

func (a *activeChannel) Close() error {
	err := a.listener.Close()
	if a.conn != nil {
		err = a.conn.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
