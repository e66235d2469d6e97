package scanftp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/scanftp/internal/ftptest"
)

func TestOptions_Invalid(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)

	tests := []struct {
		name string
		opt  Option
	}{
		{"negative timeout", WithTimeout(-time.Second)},
		{"zero active timeout", WithActiveTimeout(0)},
		{"nil dialer", WithDialer(nil)},
		{"unknown mode", WithMode(Mode(7))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(srv.Addr, tt.opt)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, srv.Count("USER"))
}

func TestWithDialer(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)

	dialer := &net.Dialer{Timeout: 2 * time.Second, LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}}
	c := loginTest(t, srv, WithDialer(dialer))

	local, ok := c.conn.LocalAddr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, local.IP.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestWithMode(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := dialTest(t, srv, WithMode(ModeASCII))
	assert.Equal(t, ModeASCII, c.Session().Mode)

	// The option changes nothing on the wire until a transfer needs it.
	assert.Equal(t, 0, srv.Count("TYPE"))
}

func TestWithBandwidthLimit_Unlimited(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	c := dialTest(t, srv, WithBandwidthLimit(0))
	assert.Nil(t, c.limiter)

	c = dialTest(t, srv, WithBandwidthLimit(1024))
	assert.NotNil(t, c.limiter)
}
