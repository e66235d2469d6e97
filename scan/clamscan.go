package scan

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultClamscanPath returns where clamscan is usually installed on the
// running OS.
func DefaultClamscanPath() string {
	switch runtime.GOOS {
	case "windows":
		return `C:\Program Files\ClamAV\clamscan.exe`
	case "darwin":
		return "/usr/local/bin/clamscan"
	}
	return "/usr/bin/clamscan"
}

// Clamscan is a Decider that runs the clamscan executable on the file.
// Exit status 0 means clean, 1 infected, anything else is an error.
type Clamscan struct {
	// Path is the executable
	Path string

	// MaxFileSize is passed as --max-filesize and --max-scansize
	MaxFileSize int64

	// Timeout bounds one run
	Timeout time.Duration
}

// NewClamscan returns a Clamscan using the default path, a 100 MiB scan
// limit and a 300 second timeout.
func NewClamscan() *Clamscan {
	return &Clamscan{
		Path:        DefaultClamscanPath(),
		MaxFileSize: DefaultMaxFileSize,
		Timeout:     300 * time.Second,
	}
}

// Check verifies that the executable exists and can be run.
func (c *Clamscan) Check() error {
	if _, err := exec.LookPath(c.Path); err != nil {
		return fmt.Errorf("clamscan not usable at %s: %w", c.Path, err)
	}
	return nil
}

func (c *Clamscan) args(path string) []string {
	args := []string{"--stdout", "--no-summary", "--infected"}
	if c.MaxFileSize > 0 {
		args = append(args,
			fmt.Sprintf("--max-filesize=%d", c.MaxFileSize),
			fmt.Sprintf("--max-scansize=%d", c.MaxFileSize),
		)
	}
	return append(args, path)
}

// Decide runs clamscan on path.
func (c *Clamscan) Decide(ctx context.Context, path string) (Verdict, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.args(path)...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	detail := strings.TrimSpace(strings.ReplaceAll(string(out), path+": ", ""))

	if err == nil {
		return Verdict{Status: Clean}, nil
	}
	if ctx.Err() != nil {
		return Verdict{}, fmt.Errorf("clamscan: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return Verdict{Status: Infected, Detail: detail}, nil
	}
	if detail != "" {
		return Verdict{}, fmt.Errorf("clamscan: %w: %s", err, detail)
	}
	return Verdict{}, fmt.Errorf("clamscan: %w", err)
}
