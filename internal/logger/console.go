package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var levelColors = map[string]*color.Color{
	"TRACE": color.New(color.FgHiBlack),
	"DEBUG": color.New(color.FgCyan),
	"INFO":  color.New(color.FgBlue),
	"WARN":  color.New(color.FgYellow),
	"ERROR": color.New(color.FgRed),
}

// ConsoleLogger prints "[HH:MM:SS] [LEVEL] message" lines. Levels are
// colored when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	colorOutput bool
	now         func() time.Time

	mu sync.Mutex
}

// NewConsoleLogger creates a ConsoleLogger writing to writer, which may be
// nil to discard everything. An empty or unknown logLevel means "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		now:         time.Now,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil || color.NoColor {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (cl *ConsoleLogger) LogTrace(message string) { cl.write("TRACE", message) }
func (cl *ConsoleLogger) LogDebug(message string) { cl.write("DEBUG", message) }
func (cl *ConsoleLogger) LogInfo(message string)  { cl.write("INFO", message) }
func (cl *ConsoleLogger) LogWarn(message string)  { cl.write("WARN", message) }
func (cl *ConsoleLogger) LogError(message string) { cl.write("ERROR", message) }

func (cl *ConsoleLogger) write(level, message string) {
	if cl.writer == nil || logLevelToInt(strings.ToLower(level)) < logLevelToInt(cl.logLevel) {
		return
	}

	tag := level
	if c, ok := levelColors[level]; ok && cl.colorOutput {
		tag = c.Sprint(level)
	}
	line := fmt.Sprintf("[%s] [%s] %s\n", cl.now().Format("15:04:05"), tag, message)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	io.WriteString(cl.writer, line)
}
