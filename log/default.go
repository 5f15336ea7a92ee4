package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
)

var defLog atomic.Pointer[slog.Logger]

func init() {
	l, _ := New(&Options{Level: slog.LevelDebug, AddSource: true})
	defLog.Store(l)
}

// Default returns the package-wide logger.
func Default() *slog.Logger { return defLog.Load() }

// SetDefault replaces the package-wide logger.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	defLog.Store(l)
}

// Format is a log output format.
type Format string

const (
	FormatConsole Format = "console"
	FormatDev     Format = "dev"
	FormatJSON    Format = "json"
	FormatText    Format = "text"
)

// ErrUnknownFormat is returned for unsupported log formats.
const ErrUnknownFormat errorutil.Error = "unknown log format"

// FileOptions configure rotated file output.
type FileOptions struct {
	// Path is the log file path.
	Path string `mapstructure:"path"`
	// MaxSize is the size in megabytes after which the file is rotated.
	MaxSize int `mapstructure:"max_size"`
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAge is the number of days to keep rotated files.
	MaxAge int `mapstructure:"max_age"`
	// Compress enables gzip compression of rotated files.
	Compress bool `mapstructure:"compress"`
}

// Options describe a logger built by [New].
type Options struct {
	Format    Format
	Level     slog.Leveler
	AddSource bool
	// File enables rotated file output instead of stdout.
	File *FileOptions
	// Output overrides the destination writer. It has priority over File.
	Output io.Writer
}

func (o *Options) level() slog.Leveler {
	if o == nil || o.Level == nil {
		return slog.LevelInfo
	}
	return o.Level
}

func (o *Options) output() io.Writer {
	switch {
	case o == nil:
		return os.Stdout
	case o.Output != nil:
		return o.Output
	case o.File != nil && o.File.Path != "":
		return &lumberjack.Logger{
			Filename:   o.File.Path,
			MaxSize:    o.File.MaxSize,
			MaxBackups: o.File.MaxBackups,
			MaxAge:     o.File.MaxAge,
			Compress:   o.File.Compress,
		}
	default:
		return os.Stdout
	}
}

// New builds a logger with the handler chain used across the module.
func New(opts *Options) (*slog.Logger, error) {
	var (
		format    Format
		addSource bool
	)
	if opts != nil {
		format = Format(strings.ToLower(string(opts.Format)))
		addSource = opts.AddSource
	}

	w, lvl := opts.output(), opts.level()
	var h slog.Handler
	switch format {
	case "", FormatConsole:
		h = console.NewHandler(w, &console.HandlerOptions{
			AddSource:  addSource,
			Level:      lvl,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatDev:
		h = devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: addSource,
				Level:     lvl,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: addSource, Level: lvl})
	case FormatText:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{AddSource: addSource, Level: lvl})
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownFormat, "%q", format))
	}
	return slog.New(wrap(h)), nil
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, errtrace.Wrap(err)
	}
	return lvl, nil
}
