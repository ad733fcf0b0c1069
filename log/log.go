// Package log configures the process-wide logrus logger and hands out
// per-component entries.
package log

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Init sets the level and output format of the standard logrus logger.
func Init(level, format string) error {
	if level == "" {
		level = logrus.InfoLevel.String()
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "unable to parse log level %q", level)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)

	switch strings.ToLower(format) {
	case "", FormatText:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// WithComponent returns an entry tagged with the component name.
func WithComponent(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
