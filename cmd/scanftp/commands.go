package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gonzalop/scanftp"
)

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				entries, err := c.List(cmd.Context(), target)
				if err != nil {
					return err
				}
				return renderListing(a.out, entries)
			})
		},
	}
}

func (a *app) pwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pwd",
		Short: "Print the remote working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				dir, err := c.CurrentDir()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, dir)
				return nil
			})
		},
	}
}

func (a *app) cdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cd <dir>",
		Short: "Change into a remote directory and print where that lands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				if err := c.ChangeDir(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(a.out, c.Session().WorkingDir)
				return nil
			})
		},
	}
}

func (a *app) mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <dir>",
		Short: "Create a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				return c.MakeDir(args[0])
			})
		},
	}
}

func (a *app) rmdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <dir>",
		Short: "Remove an empty remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				return c.RemoveDir(args[0])
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <file>",
		Aliases: []string{"rm"},
		Short:   "Delete a remote file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				return c.Delete(args[0])
			})
		},
	}
}

func (a *app) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rename <from> <to>",
		Aliases: []string{"mv"},
		Short:   "Rename a remote file or directory",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				return c.Rename(args[0], args[1])
			})
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := ""
			if len(args) == 2 {
				local = args[1]
			}
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				var opts []scanftp.TransferOption
				if !quiet {
					opts = append(opts, scanftp.WithProgress(progressPrinter(a.out, args[0])))
				}
				job, err := c.Get(cmd.Context(), args[0], local, opts...)
				if !quiet {
					fmt.Fprintln(a.out)
				}
				if err != nil {
					return err
				}
				printJob(a.out, job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

func (a *app) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> [remote]",
		Short: "Scan a file and upload it only if it is clean",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := ""
			if len(args) == 2 {
				remote = args[1]
			}
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				report, err := c.Put(cmd.Context(), args[0], remote)
				printPutReport(a.out, report)
				return err
			})
		},
	}
}

func (a *app) mputCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "mput <local>...",
		Short: "Scan and upload several files, or a directory with --recursive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				var (
					reports []*scanftp.PutReport
					err     error
				)
				if recursive {
					if len(args) != 1 {
						return fmt.Errorf("--recursive takes exactly one directory")
					}
					reports, err = c.MPutDir(cmd.Context(), args[0], true)
				} else {
					reports, err = c.MPut(cmd.Context(), args)
				}
				for _, r := range reports {
					printPutReport(a.out, r)
				}
				if err != nil {
					return err
				}
				return summarizePuts(reports)
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "upload a whole directory tree")
	return cmd
}

func (a *app) mgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mget <remote-dir> <local-dir>",
		Short: "Download a remote directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				reports, err := c.MGet(cmd.Context(), args[0], args[1])
				failed := 0
				for _, r := range reports {
					if r.Err != nil {
						failed++
						fmt.Fprintf(a.out, "%s %s: %v\n", failure("FAILED"), r.RemoteName, r.Err)
						continue
					}
					printJob(a.out, r.Job)
				}
				if err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d downloads failed", failed, len(reports))
				}
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the session with NOOP and show its settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), func(c *scanftp.Client) error {
				st, err := c.Status()
				renderStatus(a.out, st, c.State(), a.cfg.Scanner.Addr)
				return err
			})
		},
	}
}
