package scanftp

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/gonzalop/scanftp/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout for connection and operations.
// This applies to both the initial connection and subsequent read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			return fmt.Errorf("timeout must not be negative: %v", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithActiveTimeout bounds how long an active-mode transfer waits for the
// server to connect back. The default is 30 seconds.
func WithActiveTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("active timeout must be positive: %v", timeout)
		}
		c.activeTimeout = timeout
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and replies are logged at debug level; passwords are
// never logged.
//
// Example:
//
//	logger := zerolog.New(os.Stderr).Level(zerolog.DebugLevel)
//	client, _ := scanftp.Dial("ftp.example.com:21", scanftp.WithLogger(logger))
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
// This can be used to configure source addresses, keep-alive settings, etc.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return fmt.Errorf("dialer must not be nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithActiveMode enables active mode (PORT) instead of passive mode (PASV).
// In active mode, the client opens a port and tells the server to connect to it.
// This may not work behind NAT/firewalls.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.session.Passive = false
		return nil
	}
}

// WithMode selects the initial transfer mode. The default is ModeBinary.
func WithMode(mode Mode) Option {
	return func(c *Client) error {
		if mode != ModeASCII && mode != ModeBinary {
			return fmt.Errorf("unknown transfer mode: %v", mode)
		}
		c.session.Mode = mode
		return nil
	}
}

// WithScanner sets the scanner consulted before every upload. A client
// without a scanner refuses all uploads.
func WithScanner(s Scanner) Option {
	return func(c *Client) error {
		c.scanner = s
		return nil
	}
}

// WithBandwidthLimit caps transfer throughput in bytes per second.
// Zero or a negative value means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithCustomListParser adds a custom directory listing parser.
// Custom parsers are tried before the built-in parsers (EPLF, DOS, Unix).
// This allows handling non-standard LIST formats.
func WithCustomListParser(parser ListingParser) Option {
	return func(c *Client) error {
		c.parsers = append([]ListingParser{parser}, c.parsers...)
		return nil
	}
}
