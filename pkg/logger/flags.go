package logger

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"
)

// Flags carries the raw logging flag values until Options resolves them.
type Flags struct {
	Level  string
	Format string
	File   string
	Trace  string
}

// RegisterFlags registers the logging flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Level, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.Format, "log-format", "text", "Log output format: text, json")
	fs.StringVar(&f.File, "log-file", "", "Log output file (default: stdout)")
	fs.StringVar(&f.Trace, "trace", "",
		"Comma-separated debug subsystems: rtsp, rtp, tuner, dvbapi, session, or all")
	return f
}

// Options resolves the flag strings into logger Options.
func (f *Flags) Options() (Options, error) {
	var opts Options

	switch strings.ToLower(f.Level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "", "info":
		opts.Level = slog.LevelInfo
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		return Options{}, fmt.Errorf("unknown log level %q", f.Level)
	}

	switch strings.ToLower(f.Format) {
	case "", "text":
	case "json":
		opts.JSON = true
	default:
		return Options{}, fmt.Errorf("unknown log format %q", f.Format)
	}

	opts.File = f.File

	mask, err := ParseSubsystems(f.Trace)
	if err != nil {
		return Options{}, err
	}
	opts.Trace = mask

	return opts, nil
}
