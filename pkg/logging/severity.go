package logging

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Severity mirrors the five-level scheme of the original Python client
// (verbose < debug < info < warn < error), mapped onto logrus levels.
// Logrus has no "verbose" level of its own; TraceLevel is repurposed for it
// since it is logrus's only level below Debug.
type Severity logrus.Level

const (
	SeverityVerbose = Severity(logrus.TraceLevel)
	SeverityDebug   = Severity(logrus.DebugLevel)
	SeverityInfo    = Severity(logrus.InfoLevel)
	SeverityWarn    = Severity(logrus.WarnLevel)
	SeverityError   = Severity(logrus.ErrorLevel)
)

// ParseSeverity accepts the full names and the single-letter abbreviations
// the original CLI allowed (V/D/I/W/E), case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "verbose", "v":
		return SeverityVerbose, nil
	case "debug", "d":
		return SeverityDebug, nil
	case "info", "i":
		return SeverityInfo, nil
	case "warn", "warning", "w":
		return SeverityWarn, nil
	case "error", "e":
		return SeverityError, nil
	default:
		return 0, fmt.Errorf("unknown log severity %q", s)
	}
}

func (s Severity) logrusLevel() logrus.Level {
	return logrus.Level(s)
}
