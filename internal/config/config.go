// Package config loads the INI configuration shared by scanftp and
// scanagent.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/ini.v1"
)

const (
	DefaultScannerAddr = "127.0.0.1:12067"
	DefaultAgentListen = "0.0.0.0:12067"
	DefaultFTPPort     = 21
	DefaultTimeout     = 30
	DefaultScanTimeout = 300
	DefaultMaxFileSize = 100 << 20
)

// Config mirrors the INI file. Durations are in seconds.
type Config struct {
	FTP struct {
		Host           string `ini:"host"`
		Port           int    `ini:"port" validate:"min=1,max=65535"`
		User           string `ini:"user"`
		Password       string `ini:"password"`
		Passive        bool   `ini:"passive"`
		Mode           string `ini:"mode" validate:"oneof=ascii binary"`
		Timeout        int    `ini:"timeout" validate:"min=0"`
		ActiveTimeout  int    `ini:"active_timeout" validate:"min=1"`
		BandwidthLimit int64  `ini:"bandwidth_limit" validate:"min=0"`
	} `ini:"ftp"`
	Scanner struct {
		Addr        string `ini:"addr" validate:"required"`
		Retries     int    `ini:"retries" validate:"min=0,max=10"`
		DialTimeout int    `ini:"dial_timeout" validate:"min=1"`
	} `ini:"scanner"`
	Agent struct {
		Listen       string `ini:"listen" validate:"required"`
		TempDir      string `ini:"temp_dir" validate:"omitempty,dir"`
		MaxFileSize  int64  `ini:"max_filesize" validate:"min=1"`
		ClamscanPath string `ini:"clamscan_path"`
		ScanTimeout  int    `ini:"scan_timeout" validate:"min=1"`
	} `ini:"agent"`
	Logging struct {
		Debug bool   `ini:"debug"`
		File  string `ini:"file"`
	} `ini:"logging"`
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	var c Config
	c.FTP.Port = DefaultFTPPort
	c.FTP.Passive = true
	c.FTP.Mode = "binary"
	c.FTP.Timeout = DefaultTimeout
	c.FTP.ActiveTimeout = DefaultTimeout
	c.Scanner.Addr = DefaultScannerAddr
	c.Scanner.Retries = 3
	c.Scanner.DialTimeout = 5
	c.Agent.Listen = DefaultAgentListen
	c.Agent.MaxFileSize = DefaultMaxFileSize
	c.Agent.ScanTimeout = DefaultScanTimeout
	return c
}

// Files returns the candidate config files for a program, most specific
// last.
func Files(name string) []string {
	return []string{
		fmt.Sprintf("/etc/scanftp/%s.conf", name),
		filepath.Join(os.Getenv("HOME"), fmt.Sprintf(".%s.conf", name)),
		fmt.Sprintf("%s.conf", name),
	}
}

// Find returns the first candidate that exists and is not empty, or "".
func Find(candidates []string) string {
	for _, configFile := range candidates {
		fileInfo, err := os.Stat(configFile)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Error().Err(err).Msgf("Error accessing config file %s.", configFile)
			}
			continue
		}
		if fileInfo.Size() == 0 {
			log.Debug().Msgf("Config file %s is empty, skipping...", configFile)
			continue
		}
		return configFile
	}
	return ""
}

// Load reads the first usable candidate over the defaults and validates
// the result. With no usable candidate the defaults are returned and the
// file name is empty.
func Load(candidates []string) (Config, string, error) {
	file := Find(candidates)
	if file == "" {
		c := Default()
		return c, "", c.Validate()
	}

	log.Debug().Msgf("Using config file %s.", file)
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, file, fmt.Errorf("failed to read config file %s: %w", file, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, file, fmt.Errorf("config file %s: %w", file, err)
	}
	return c, file, nil
}

// Parse maps INI data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	iniData, err := ini.Load(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load: %w", err)
	}

	c := Default()
	if err := iniData.MapTo(&c); err != nil {
		return Config{}, fmt.Errorf("failed to parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field constraints and addresses.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Scanner.Addr); err != nil {
		return fmt.Errorf("invalid scanner addr %q: %w", c.Scanner.Addr, err)
	}
	if _, _, err := net.SplitHostPort(c.Agent.Listen); err != nil {
		return fmt.Errorf("invalid agent listen address %q: %w", c.Agent.Listen, err)
	}
	return nil
}

// FTPAddr returns "host:port" for the FTP server.
func (c Config) FTPAddr() string {
	return net.JoinHostPort(c.FTP.Host, fmt.Sprint(c.FTP.Port))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Timeout is the FTP control timeout.
func (c Config) Timeout() time.Duration { return seconds(c.FTP.Timeout) }

// ActiveTimeout bounds the wait for an active-mode data connection.
func (c Config) ActiveTimeout() time.Duration { return seconds(c.FTP.ActiveTimeout) }

// DialTimeout bounds one connection attempt to the scan agent.
func (c Config) DialTimeout() time.Duration { return seconds(c.Scanner.DialTimeout) }

// ScanTimeout bounds one decision on the agent.
func (c Config) ScanTimeout() time.Duration { return seconds(c.Agent.ScanTimeout) }
