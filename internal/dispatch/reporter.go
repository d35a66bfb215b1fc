package dispatch

import "github.com/rs/zerolog"

// Reporter surfaces request failures to the user
type Reporter interface {
	Report(err *RequestError)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(err *RequestError)

// Report calls f(err)
func (f ReporterFunc) Report(err *RequestError) {
	f(err)
}

// LogReporter reports failures through a zerolog logger
type LogReporter struct {
	Logger zerolog.Logger
}

// Report logs err at error level
func (r LogReporter) Report(err *RequestError) {
	r.Logger.Error().
		Str("key", err.Key).
		Str("method", string(err.Method)).
		Str("url", err.URL).
		Int("status", err.StatusCode).
		Str("kind", err.Kind.String()).
		Msg(err.Message)
}
