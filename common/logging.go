// Package common holds process-level infrastructure shared by every
// command: the global logger and its severity-based output routing.
package common

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. The CLI configures it once at startup;
// library code receives it (or an Entry derived from it) explicitly.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// errorMarkers identify formatted error-or-worse entries in both the text
// and the JSON logrus formats.
var errorMarkers = [][]byte{
	[]byte("level=error"),
	[]byte("level=fatal"),
	[]byte("level=panic"),
	[]byte(`"level":"error"`),
	[]byte(`"level":"fatal"`),
	[]byte(`"level":"panic"`),
}

// OutputSplitter routes formatted log lines by severity: error and worse go
// to stderr, everything else to stdout, so shells and log collectors can
// treat the two streams differently. Unset writers fall back to the real
// process streams.
type OutputSplitter struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	out, errOut := s.Stdout, s.Stderr
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	for _, marker := range errorMarkers {
		if bytes.Contains(p, marker) {
			return errOut.Write(p)
		}
	}
	return out.Write(p)
}

// InitLogging applies the logging flags to the global Logger: a logrus level
// name (empty means info) and JSON versus human-readable text output.
func InitLogging(level string, jsonFormat bool) error {
	if jsonFormat {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("failed to parse log level %q: %w", level, err)
	}
	Logger.SetLevel(lvl)
	return nil
}
