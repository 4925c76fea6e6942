package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// severityHook routes entries at or above threshold to writer through
// formatter, independently of the other sink's threshold. Console and file
// sinks each get their own hook so `--log-console-severity` and
// `--log-file-severity` can diverge, per spec §6.
type severityHook struct {
	threshold Severity
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *severityHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *severityHook) Fire(entry *logrus.Entry) error {
	if entry.Level > h.threshold.logrusLevel() {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// consoleFormatter renders human-readable lines, colorized per ColorMode.
var levelColors = map[logrus.Level]*color.Color{
	logrus.TraceLevel: color.New(color.FgHiBlack),
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed, color.Bold),
}

type consoleFormatter struct {
	colors ColorMode
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	level := entry.Level.String()
	if f.useColor() {
		c := levelColors[entry.Level]
		if c != nil {
			level = c.Sprint(level)
		}
	}

	fmt.Fprintf(&buf, "%s [%s] %s", entry.Time.Format("15:04:05.000"), level, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Data[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *consoleFormatter) useColor() bool {
	switch f.colors {
	case ColorAlways:
		return true
	case ColorOff:
		return false
	default: // ColorOn, or unset
		return color.NoColor == false
	}
}
