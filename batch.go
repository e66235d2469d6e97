package scanftp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// GetReport is the outcome of one download in MGet.
type GetReport struct {
	RemoteName string
	LocalPath  string
	Job        *TransferJob
	Err        error
}

// fatal reports whether err ends a batch: the session can no longer run
// commands or the caller gave up.
func fatal(err error) bool {
	return errors.Is(err, ErrSessionBroken) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotLoggedIn) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// MPut uploads each file through Put, in order, into the working
// directory. A file that is blocked or fails does not stop the others;
// its report carries the reason. The returned error is set only when the
// session itself failed, in which case the remaining files are skipped.
func (c *Client) MPut(ctx context.Context, localPaths []string, opts ...TransferOption) ([]*PutReport, error) {
	reports := make([]*PutReport, 0, len(localPaths))
	for _, p := range localPaths {
		report, err := c.Put(ctx, p, "", opts...)
		reports = append(reports, report)
		if err != nil && fatal(err) {
			return reports, err
		}
	}
	return reports, nil
}

// MPutDir uploads the regular files of localDir through Put. With
// recursive set, sub-directories are recreated on the server (MKD, CWD)
// and uploaded as well. The working directory is restored afterwards.
func (c *Client) MPutDir(ctx context.Context, localDir string, recursive bool, opts ...TransferOption) (reports []*PutReport, err error) {
	origin := c.Session().WorkingDir

	defer func() {
		if c.Session().WorkingDir == origin || origin == "" {
			return
		}
		if cerr := c.ChangeDir(origin); cerr != nil && err == nil {
			err = fmt.Errorf("failed to return to %s: %w", origin, cerr)
		}
	}()

	err = c.putTree(ctx, localDir, recursive, &reports, opts)
	return reports, err
}

func (c *Client) putTree(ctx context.Context, localDir string, recursive bool, reports *[]*PutReport, opts []TransferOption) error {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("failed to read local directory: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		full := filepath.Join(localDir, e.Name())
		if e.IsDir() {
			dirs = append(dirs, e.Name())
			continue
		}
		if !e.Type().IsRegular() {
			c.logger.Debug().Str("path", full).Msg("skipping non-regular file")
			continue
		}

		report, err := c.Put(ctx, full, e.Name(), opts...)
		*reports = append(*reports, report)
		if err != nil && fatal(err) {
			return err
		}
	}

	if !recursive {
		return nil
	}

	back := c.Session().WorkingDir
	if back == "" {
		back = ".."
	}
	for _, name := range dirs {
		if err := c.MakeDir(name); err != nil {
			if fatal(err) {
				return err
			}
			// Most likely it exists already; CWD will tell.
			c.logger.Debug().Err(err).Str("dir", name).Msg("MKD failed")
		}
		if err := c.ChangeDir(name); err != nil {
			if fatal(err) {
				return err
			}
			c.logger.Warn().Err(err).Str("dir", name).Msg("skipping directory")
			continue
		}

		if err := c.putTree(ctx, filepath.Join(localDir, name), true, reports, opts); err != nil {
			return err
		}
		if err := c.ChangeDir(back); err != nil {
			return err
		}
	}
	return nil
}

// MGet downloads every file below remoteDir into localDir, recreating the
// directory structure. Only entries listed as files are downloaded; links
// and undecodable lines are skipped. As with MPut, only session failures
// stop the batch.
func (c *Client) MGet(ctx context.Context, remoteDir, localDir string, opts ...TransferOption) ([]*GetReport, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local directory: %w", err)
	}

	var reports []*GetReport
	err := c.Walk(ctx, remoteDir, func(remote string, entry ListingEntry, err error) error {
		if err != nil {
			if fatal(err) {
				return err
			}
			c.logger.Warn().Err(err).Str("dir", remote).Msg("cannot list directory")
			return nil
		}

		rel := remote
		if remoteDir != "" {
			rel = relative(remoteDir, remote)
		}
		rel = filepath.FromSlash(rel)
		if !filepath.IsLocal(rel) {
			err := fmt.Errorf("remote path %s escapes %s", remote, localDir)
			c.logger.Warn().Err(err).Msg("skipping entry")
			switch entry.Kind {
			case KindDirectory:
				return SkipDir
			case KindFile:
				reports = append(reports, &GetReport{RemoteName: remote, Err: err})
			}
			return nil
		}
		local := filepath.Join(localDir, rel)

		switch entry.Kind {
		case KindDirectory:
			if err := os.MkdirAll(local, 0o755); err != nil {
				c.logger.Warn().Err(err).Str("dir", local).Msg("skipping directory")
				return SkipDir
			}
		case KindFile:
			job, err := c.Get(ctx, remote, local, opts...)
			reports = append(reports, &GetReport{RemoteName: remote, LocalPath: local, Job: job, Err: err})
			if err != nil && fatal(err) {
				return err
			}
		}
		return nil
	})
	return reports, err
}

// relative returns p relative to the remote directory base.
func relative(base, p string) string {
	base = path.Clean(base)
	p = path.Clean(p)
	if base == "." {
		return p
	}
	if base == "/" {
		return p[1:]
	}
	if len(p) > len(base) && p[:len(base)] == base && p[len(base)] == '/' {
		return p[len(base)+1:]
	}
	return path.Base(p)
}
