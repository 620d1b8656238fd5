// Package logger is the gateway's structured logging layer: log/slog
// underneath, with debug output gated per subsystem so one noisy path
// (dvbapi wire traffic, RTP pacing) can be traced without drowning the
// log in the others.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Subsystem identifies one debug-gated area of the gateway. Values are
// bits, so a trace selection is a plain mask.
type Subsystem uint32

const (
	RTSP Subsystem = 1 << iota
	RTP
	Tuner
	Dvbapi
	Session
)

var subsystemNames = map[string]Subsystem{
	"rtsp":    RTSP,
	"rtp":     RTP,
	"tuner":   Tuner,
	"dvbapi":  Dvbapi,
	"session": Session,
}

// ParseSubsystems decodes a comma-separated trace selection, e.g.
// "rtsp,dvbapi". "all" selects every subsystem.
func ParseSubsystems(list string) (Subsystem, error) {
	var mask Subsystem
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if tok == "" {
			continue
		}
		if tok == "all" {
			for _, s := range subsystemNames {
				mask |= s
			}
			continue
		}
		s, ok := subsystemNames[tok]
		if !ok {
			return 0, fmt.Errorf("unknown trace subsystem %q", tok)
		}
		mask |= s
	}
	return mask, nil
}

// Options configures a Logger. The zero value logs at info level, as
// text, to stdout, with no subsystem tracing.
type Options struct {
	Level slog.Level
	JSON  bool
	File  string    // empty = stdout
	Trace Subsystem // subsystems whose Debug* output is emitted
}

// Logger wraps slog.Logger with the gateway's subsystem trace mask.
type Logger struct {
	*slog.Logger
	trace Subsystem
	file  *os.File
}

// New builds a Logger from opts. Tracing any subsystem forces the level
// down to debug, since that is the level trace lines are logged at.
func New(opts Options) (*Logger, error) {
	var w io.Writer = os.Stdout
	var file *os.File
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		w = f
		file = f
	}

	level := opts.Level
	if opts.Trace != 0 && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}

	return &Logger{Logger: slog.New(h), trace: opts.Trace, file: file}, nil
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a Logger carrying extra attributes on every record. The
// trace mask and file handle are shared with the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), trace: l.trace, file: l.file}
}

// Tracing reports whether s's debug output is enabled, for call sites
// that want to skip building expensive attributes.
func (l *Logger) Tracing(s Subsystem) bool { return l.trace&s != 0 }

func (l *Logger) traced(s Subsystem, name, msg string, args ...any) {
	if l.trace&s == 0 {
		return
	}
	l.Debug(msg, append([]any{"subsystem", name}, args...)...)
}

// DebugRTSP traces RTSP request/response handling.
func (l *Logger) DebugRTSP(msg string, args ...any) { l.traced(RTSP, "rtsp", msg, args...) }

// DebugRTP traces RTP/RTCP packet output and pacing.
func (l *Logger) DebugRTP(msg string, args ...any) { l.traced(RTP, "rtp", msg, args...) }

// DebugTuner traces frontend tuning and PID filter reconciliation.
func (l *Logger) DebugTuner(msg string, args ...any) { l.traced(Tuner, "tuner", msg, args...) }

// DebugDvbapi traces the control-word provider wire protocol.
func (l *Logger) DebugDvbapi(msg string, args ...any) { l.traced(Dvbapi, "dvbapi", msg, args...) }

// DebugSession traces session allocation and liveness sweeps.
func (l *Logger) DebugSession(msg string, args ...any) { l.traced(Session, "session", msg, args...) }

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger: a plain info-level stdout
// logger until SetDefault installs the configured one.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = New(Options{})
	}
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and as slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}
