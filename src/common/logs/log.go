// Package logs provides a common logging facility for grubimage.
// Logs go to stderr by default so that streamed build output on stdout stays
// clean, or to systemd journald when requested.
package logs

import (
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// LogOutput defines the output destination for logs
type LogOutput string

const (
	// OutputStderr sends logs to standard error
	OutputStderr LogOutput = "stderr"
	// OutputStdout sends logs to standard output
	OutputStdout LogOutput = "stdout"
	// OutputJournald sends logs to systemd journald
	OutputJournald LogOutput = "journald"
	// OutputAuto uses journald when running as a systemd unit, stderr otherwise
	OutputAuto LogOutput = "auto"
)

// Logger wraps the charm log.Logger with additional configuration
type Logger struct {
	*log.Logger
	output LogOutput
}

// Config holds the configuration for the logger
type Config struct {
	// Output specifies where logs should be sent (stderr, stdout, journald, auto)
	Output LogOutput
	// Level sets the minimum log level (debug, info, warn, error)
	Level string
	// Prefix sets a prefix for all log messages
	Prefix string
	// Writer overrides Output when set
	Writer io.Writer
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Output: OutputAuto,
		Level:  "info",
		Prefix: "",
	}
}

// journaldAvailable checks if systemd-journald is available on the system
func journaldAvailable() bool {
	if _, err := exec.LookPath("systemd-cat"); err != nil {
		return false
	}
	if _, err := os.Stat("/run/systemd/journal/socket"); err != nil {
		return false
	}
	return true
}

// underSystemd reports whether the process was started by a systemd unit
func underSystemd() bool {
	return os.Getenv("INVOCATION_ID") != ""
}

// ParseLevel converts a string level to log.Level
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New creates a new Logger with the given configuration
func New(cfg Config) *Logger {
	var writer io.Writer
	var output LogOutput

	switch {
	case cfg.Writer != nil:
		writer = cfg.Writer
		output = cfg.Output
	case cfg.Output == OutputStdout:
		writer = os.Stdout
		output = OutputStdout
	case cfg.Output == OutputJournald && journaldAvailable():
		writer = newJournaldWriter()
		output = OutputJournald
	case cfg.Output == OutputAuto && underSystemd() && journaldAvailable():
		writer = newJournaldWriter()
		output = OutputJournald
	default:
		writer = os.Stderr
		output = OutputStderr
	}

	logger := log.NewWithOptions(writer, log.Options{
		Level:           ParseLevel(cfg.Level),
		Prefix:          cfg.Prefix,
		ReportTimestamp: true,
		ReportCaller:    false,
	})

	return &Logger{
		Logger: logger,
		output: output,
	}
}

// NewDefault creates a new Logger with default configuration
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Discard returns a Logger that drops every message
func Discard() *Logger {
	return New(Config{Writer: io.Discard, Level: "error"})
}

// Output returns the current output destination
func (l *Logger) Output() LogOutput {
	return l.output
}

// journaldWriter implements io.Writer for journald
type journaldWriter struct {
	identifier string
}

func newJournaldWriter() *journaldWriter {
	return &journaldWriter{
		identifier: "grubimage",
	}
}

// Write sends p to journald through systemd-cat, falling back to stderr
func (w *journaldWriter) Write(p []byte) (n int, err error) {
	cmd := exec.Command("systemd-cat", "-t", w.identifier)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return os.Stderr.Write(p)
	}

	if err := cmd.Start(); err != nil {
		return os.Stderr.Write(p)
	}

	n, err = stdin.Write(p)
	stdin.Close()

	// Data has been handed over; a non-zero exit from systemd-cat is not reported.
	_ = cmd.Wait()

	return n, err
}
