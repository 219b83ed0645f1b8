package main

import (
	"io"

	log "github.com/sirupsen/logrus"
)

var defaultLogFormatter = &log.TextFormatter{DisableTimestamp: true}

// infoFormatter prints Info entries as plain lines so the step messages read
// like ordinary output.
type infoFormatter struct{}

func (f *infoFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Level == log.InfoLevel {
		return append([]byte(entry.Message), '\n'), nil
	}
	return defaultLogFormatter.Format(entry)
}

// setupLogging maps the verbosity level (-1 for -q, otherwise the -v count)
// onto a logrus level.
func setupLogging(verbose int, out io.Writer) {
	log.SetOutput(out)
	log.SetFormatter(new(infoFormatter))
	switch {
	case verbose < 0:
		log.SetLevel(log.ErrorLevel)
	case verbose == 0:
		log.SetLevel(log.WarnLevel)
	case verbose == 1:
		log.SetLevel(log.InfoLevel)
	case verbose == 2:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}
