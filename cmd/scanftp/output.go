package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/gonzalop/scanftp"
	"github.com/gonzalop/scanftp/scan"
)

var (
	success = color.New(color.FgGreen).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
)

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	table.Options(
		tablewriter.WithRendition(tw.Rendition{Borders: tw.Border{Left: tw.Pending, Right: tw.Pending, Top: tw.Pending, Bottom: tw.Pending}}),
	)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.MaxWidth = 0
		cfg.Header = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Behavior = tw.Behavior{}
	})
	return table
}

func renderListing(w io.Writer, entries []scanftp.ListingEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Directory is empty")
		return nil
	}

	table := newTable(w, "Name", "Type", "Size", "Permissions")
	for _, e := range entries {
		name := e.Name
		size := "-"
		switch e.Kind {
		case scanftp.KindDirectory:
			name += "/"
		case scanftp.KindFile:
			size = formatSize(e.Size)
		}
		if e.Target != "" {
			name += " -> " + e.Target
		}
		if err := table.Append([]string{name, e.Kind.String(), size, e.Permissions}); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderStatus(w io.Writer, st scanftp.SessionState, state scanftp.State, scanner string) {
	table := newTable(w, "Setting", "Value")
	passive := "passive"
	if !st.Passive {
		passive = "active"
	}
	rows := [][]string{
		{"State", state.String()},
		{"Server", st.Host + ":" + strconv.Itoa(st.Port)},
		{"User", st.Username},
		{"Directory", st.WorkingDir},
		{"Mode", st.Mode.String()},
		{"Data connection", passive},
		{"Scanner", scanner},
	}
	for _, row := range rows {
		_ = table.Append(row)
	}
	_ = table.Render()
}

func verdictLabel(v scan.Verdict) string {
	switch v.Status {
	case scan.Clean:
		return success(v.Status.String())
	case scan.Infected:
		return failure(v.Status.String())
	default:
		return warning(v.Status.String())
	}
}

func printPutReport(w io.Writer, r *scanftp.PutReport) {
	if r == nil {
		return
	}
	label := verdictLabel(r.Verdict)
	switch {
	case r.Uploaded():
		fmt.Fprintf(w, "%s %s -> %s (%s)\n", label, r.LocalPath, r.RemoteName, formatSize(r.Job.BytesMoved))
	case r.Verdict.Detail != "":
		fmt.Fprintf(w, "%s %s: %s\n", label, r.LocalPath, r.Verdict.Detail)
	default:
		fmt.Fprintf(w, "%s %s: %v\n", label, r.LocalPath, r.Err)
	}
}

// summarizePuts turns blocked or failed uploads into a non-zero exit.
func summarizePuts(reports []*scanftp.PutReport) error {
	failed := 0
	for _, r := range reports {
		if !r.Uploaded() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files were not uploaded", failed, len(reports))
	}
	return nil
}

func printJob(w io.Writer, job *scanftp.TransferJob) {
	if job == nil {
		return
	}
	fmt.Fprintf(w, "%s %s -> %s (%s, %s)\n", success("OK"), job.RemoteName, job.LocalPath, formatSize(job.BytesMoved), job.Mode)
}

func progressPrinter(w io.Writer, name string) scanftp.ProgressFunc {
	return func(n int64) {
		fmt.Fprintf(w, "\r%s: %s", name, formatSize(n))
	}
}

// formatSize formats a file size in human-readable format
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
