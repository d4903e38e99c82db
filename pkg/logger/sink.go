package logger

import (
	"strings"

	"github.com/rs/zerolog"
)

// Sink receives warnings and errors as they are logged. level is WARN,
// ERROR or FATAL. Sinks run on the logging goroutine.
type Sink func(level, message string)

type sinkHook struct {
	sinks []Sink
}

func (h sinkHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.WarnLevel || level == zerolog.NoLevel || message == "" {
		return
	}
	name := strings.ToUpper(level.String())
	for _, sink := range h.sinks {
		sink(name, message)
	}
}
