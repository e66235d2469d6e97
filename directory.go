package scanftp

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ChangeDir changes the working directory and refreshes
// SessionState.WorkingDir with PWD.
func (c *Client) ChangeDir(dir string) error {
	if err := c.acquire(true); err != nil {
		return err
	}
	defer c.release()

	line := formatCommand("CWD", dir)
	r, err := c.exchange("CWD", dir)
	if err != nil {
		return err
	}
	if err := c.verify(line, r); err != nil {
		return err
	}

	wd, err := c.pwd()
	if err != nil {
		if !isRejection(err) {
			return err
		}
		// Server refuses PWD; track the directory ourselves.
		wd = dir
		if !path.IsAbs(dir) {
			wd = path.Join(c.Session().WorkingDir, dir)
		}
	}
	c.setWorkingDir(wd)
	return nil
}

// CurrentDir asks the server for the working directory and records it.
func (c *Client) CurrentDir() (string, error) {
	if err := c.acquire(true); err != nil {
		return "", err
	}
	defer c.release()

	wd, err := c.pwd()
	if err != nil {
		return "", err
	}
	c.setWorkingDir(wd)
	return wd, nil
}

// pwd sends PWD. The caller must hold the command slot.
func (c *Client) pwd() (string, error) {
	r, err := c.exchange("PWD")
	if err != nil {
		return "", err
	}
	if err := c.verify("PWD", r, 257); err != nil {
		return "", err
	}
	return parsePWD(r.Message)
}

// parsePWD extracts the directory from a 257 reply. Embedded quotes are
// doubled per RFC 959.
// Example: 257 "/home/user" is the current directory
func parsePWD(msg string) (string, error) {
	start := strings.IndexByte(msg, '"')
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}

	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("invalid PWD response: %s", msg)
}

// MakeDir creates a new directory.
func (c *Client) MakeDir(dir string) error {
	_, err := c.expect2xx("MKD", dir)
	return err
}

// RemoveDir removes a directory.
func (c *Client) RemoveDir(dir string) error {
	_, err := c.expect2xx("RMD", dir)
	return err
}

// Delete deletes a file.
func (c *Client) Delete(name string) error {
	_, err := c.expect2xx("DELE", name)
	return err
}

// Rename renames a file or directory with RNFR and RNTO. Both run under a
// single command slot so nothing can slip in between.
func (c *Client) Rename(from, to string) error {
	if err := c.acquire(true); err != nil {
		return err
	}
	defer c.release()

	line := formatCommand("RNFR", from)
	r, err := c.exchange("RNFR", from)
	if err != nil {
		return err
	}
	if err := c.verify(line, r, 350); err != nil {
		return err
	}

	line = formatCommand("RNTO", to)
	r, err = c.exchange("RNTO", to)
	if err != nil {
		return err
	}
	return c.verify(line, r)
}

// WalkFunc is the type of the function called for each file or directory
// visited by Walk. The path argument contains the argument to Walk as a
// prefix.
//
// If listing a directory fails, walkFn is called again for that directory
// with the error. If an error is returned, processing stops. The sole
// exception is SkipDir: returned for a directory, Walk skips its contents.
type WalkFunc func(path string, entry ListingEntry, err error) error

// SkipDir is used as a return value from WalkFunc to indicate that
// the directory named in the call is to be skipped. It is not returned
// as an error by any function.
var SkipDir = filepath.SkipDir

// Walk walks the remote tree below root in listing order, calling walkFn
// for each entry. root itself is not reported. Only KindDirectory entries
// are descended into, so links are never followed.
func (c *Client) Walk(ctx context.Context, root string, walkFn WalkFunc) error {
	entries, err := c.List(ctx, root)
	if err != nil {
		return walkFn(root, ListingEntry{Name: path.Base(root), Kind: KindDirectory}, err)
	}

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		if strings.ContainsAny(entry.Name, `/\`) {
			c.logger.Warn().Str("dir", root).Str("name", entry.Name).Msg("skipping listing entry with a path separator")
			continue
		}

		full := path.Join(root, entry.Name)
		if err := walkFn(full, entry, nil); err != nil {
			if errors.Is(err, SkipDir) && entry.Kind == KindDirectory {
				continue
			}
			return err
		}

		if entry.Kind == KindDirectory {
			if err := c.Walk(ctx, full, walkFn); err != nil {
				return err
			}
		}
	}
	return nil
}
