package hosted

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/sync"
)

// warnMarkers flag console lines that report a failure.
var warnMarkers = [...]string{"failed", "cannot", "could not", "timed out"}

// Console is a kernel output sink that forwards every complete line to a
// logrus logger. A leading "[module] " tag becomes the module field.
type Console struct {
	log *logrus.Logger

	lock sync.Spinlock
	line []byte
}

// NewConsole returns a console logging to log.
func NewConsole(log *logrus.Logger) *Console {
	return &Console{log: log}
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	c.lock.Acquire()
	defer c.lock.Release()

	for _, b := range p {
		if b == '\n' {
			c.emit()
			continue
		}
		c.line = append(c.line, b)
	}
	return len(p), nil
}

// Flush emits any partial line.
func (c *Console) Flush() {
	c.lock.Acquire()
	defer c.lock.Release()

	if len(c.line) != 0 {
		c.emit()
	}
}

// emit logs the buffered line. The caller must hold c.lock.
func (c *Console) emit() {
	line := string(c.line)
	c.line = c.line[:0]

	module := "kernel"
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "] "); end > 1 {
			module, line = line[1:end], line[end+2:]
		}
	}

	level := logrus.InfoLevel
	for _, marker := range warnMarkers {
		if strings.Contains(line, marker) {
			level = logrus.WarnLevel
			break
		}
	}

	c.log.WithField("module", module).Log(level, line)
}

// DriverName implements hal.Driver.
func (c *Console) DriverName() string {
	return "logrus_console"
}

// DriverVersion implements hal.Driver.
func (c *Console) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit attaches the console as the kernel output sink. Output
// buffered before the console existed is replayed into it.
func (c *Console) DriverInit(w io.Writer) *kernel.Error {
	kfmt.SetOutputSink(c)
	kfmt.Fprintf(w, "logging at level %s\n", c.log.GetLevel().String())
	return nil
}
