// Package logger sets up zerolog output for the scanftp commands.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how verbosely to log.
type Options struct {
	// Debug lowers the level to debug and adds caller info.
	Debug bool

	// File, when set, sends output to a rotated log file instead of Out.
	File string

	// Out is the console destination. Defaults to os.Stderr.
	Out io.Writer
}

// Init builds the process logger, installs it as the global zerolog
// logger and returns it with a closer for the rotated file, if any.
func Init(opts Options) (zerolog.Logger, io.Closer) {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		logRotate := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		output = PrettyWriter(logRotate, opts.Debug)
		closer = logRotate
	} else {
		out := opts.Out
		if out == nil {
			out = os.Stderr
		}
		output = PrettyWriter(out, opts.Debug)
	}

	ctx := zerolog.New(output).Level(level).With().Timestamp()
	if opts.Debug {
		ctx = ctx.Caller()
	}
	l := ctx.Logger()
	log.Logger = l
	return l, closer
}

// PrettyWriter returns a zerolog.ConsoleWriter with or without caller info
func PrettyWriter(out io.Writer, showCaller bool) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{
		Out:          out,
		NoColor:      true,
		TimeFormat:   time.RFC3339,
		TimeLocation: time.Local,
		FormatLevel: func(i interface{}) string {
			return "[" + strings.ToUpper(fmt.Sprint(i)) + "]"
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprint(i)
		},
		FormatFieldName: func(i interface{}) string {
			return "(" + fmt.Sprint(i) + ")"
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprint(i)
		},
	}
	if showCaller {
		cw.FormatCaller = func(i interface{}) string {
			if i == nil || i == "" {
				return ""
			}
			callerStr := fmt.Sprint(i)
			if idx := strings.Index(callerStr, "/scanftp/"); idx != -1 {
				callerStr = callerStr[idx+len("/scanftp/"):]
			}
			return fmt.Sprintf("(%s)", callerStr)
		}
	} else {
		cw.FormatCaller = func(i interface{}) string { return "" }
	}
	return cw
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
