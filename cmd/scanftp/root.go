package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gonzalop/scanftp"
	"github.com/gonzalop/scanftp/internal/config"
	"github.com/gonzalop/scanftp/internal/logger"
	"github.com/gonzalop/scanftp/scan"
)

const name = "scanftp"

// flags holds the command line overrides. A flag only replaces the
// configured value when it was set explicitly.
type flags struct {
	configFile string
	host       string
	port       int
	user       string
	password   string
	active     bool
	mode       string
	scanner    string
	dir        string
	debug      bool
}

type app struct {
	flags  flags
	cfg    config.Config
	out    io.Writer
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           name,
		Short:         "FTP client that scans every upload before it is sent",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closer != nil {
				_ = a.closer.Close()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.flags.configFile, "config", "c", "", "config file (default: first of "+fmt.Sprint(config.Files(name))+")")
	f.StringVarP(&a.flags.host, "host", "H", "", "FTP server host")
	f.IntVarP(&a.flags.port, "port", "P", config.DefaultFTPPort, "FTP server port")
	f.StringVarP(&a.flags.user, "user", "u", "", "login name (anonymous when empty)")
	f.StringVar(&a.flags.password, "password", "", "login password (prompted when a user is set and this is empty)")
	f.BoolVar(&a.flags.active, "active", false, "use active mode (PORT) instead of passive mode")
	f.StringVarP(&a.flags.mode, "mode", "m", "binary", "transfer mode: binary or ascii")
	f.StringVarP(&a.flags.scanner, "scanner", "s", config.DefaultScannerAddr, "scan agent address")
	f.StringVarP(&a.flags.dir, "dir", "d", "", "remote directory to change into after login")
	f.BoolVar(&a.flags.debug, "debug", false, "log FTP commands and replies")

	root.AddCommand(
		a.lsCmd(),
		a.pwdCmd(),
		a.cdCmd(),
		a.mkdirCmd(),
		a.rmdirCmd(),
		a.deleteCmd(),
		a.renameCmd(),
		a.getCmd(),
		a.putCmd(),
		a.mputCmd(),
		a.mgetCmd(),
		a.statusCmd(),
	)
	return root
}

// setup loads the config file, applies flag overrides and starts logging.
func (a *app) setup(cmd *cobra.Command) error {
	files := config.Files(name)
	if a.flags.configFile != "" {
		if _, err := os.Stat(a.flags.configFile); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		files = []string{a.flags.configFile}
	}
	cfg, _, err := config.Load(files)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.FTP.Host = a.flags.host
	}
	if changed("port") {
		cfg.FTP.Port = a.flags.port
	}
	if changed("user") {
		cfg.FTP.User = a.flags.user
	}
	if changed("password") {
		cfg.FTP.Password = a.flags.password
	}
	if changed("active") {
		cfg.FTP.Passive = !a.flags.active
	}
	if changed("mode") {
		cfg.FTP.Mode = a.flags.mode
	}
	if changed("scanner") {
		cfg.Scanner.Addr = a.flags.scanner
	}
	if changed("debug") {
		cfg.Logging.Debug = a.flags.debug
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.FTP.Host == "" {
		return fmt.Errorf("no FTP host given: use --host or the [ftp] host key")
	}

	a.out = cmd.OutOrStdout()
	_, a.closer = logger.Init(logger.Options{Debug: cfg.Logging.Debug, File: cfg.Logging.File})
	a.cfg = cfg
	return nil
}

// gate builds the scan gate from the [scanner] section.
func (a *app) gate() *scan.Gate {
	return scan.NewGate(a.cfg.Scanner.Addr,
		scan.WithDialTimeout(a.cfg.DialTimeout()),
		scan.WithRetries(uint64(a.cfg.Scanner.Retries), 200*time.Millisecond),
		scan.WithLogger(log.Logger),
	)
}

// session dials, logs in and runs fn, always ending the session with QUIT.
func (a *app) session(ctx context.Context, fn func(c *scanftp.Client) error) error {
	mode, err := scanftp.ParseMode(a.cfg.FTP.Mode)
	if err != nil {
		return err
	}

	opts := []scanftp.Option{
		scanftp.WithTimeout(a.cfg.Timeout()),
		scanftp.WithActiveTimeout(a.cfg.ActiveTimeout()),
		scanftp.WithLogger(log.Logger),
		scanftp.WithMode(mode),
		scanftp.WithScanner(a.gate()),
		scanftp.WithBandwidthLimit(a.cfg.FTP.BandwidthLimit),
	}
	if !a.cfg.FTP.Passive {
		opts = append(opts, scanftp.WithActiveMode())
	}

	c, err := scanftp.DialContext(ctx, a.cfg.FTPAddr(), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Quit(); err != nil {
			log.Debug().Err(err).Msg("quit failed")
		}
	}()

	user, password, err := a.credentials()
	if err != nil {
		return err
	}
	if err := c.Login(user, password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if a.flags.dir != "" {
		if err := c.ChangeDir(a.flags.dir); err != nil {
			return err
		}
	}
	return fn(c)
}

func (a *app) credentials() (string, string, error) {
	user, password := a.cfg.FTP.User, a.cfg.FTP.Password
	if user == "" {
		return "anonymous", "anonymous@", nil
	}
	if password != "" {
		return user, password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return user, "", nil
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", "", fmt.Errorf("failed to read password: %w", err)
	}
	return user, string(b), nil
}
