package ingest

import "strings"

// Class buckets upstream errors for logging and for downstream retry
// decisions. Classification is by keyword inspection of the error
// text; the queues store error strings verbatim so this stays possible
// after the fact.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var transientMarkers = []string{
	"rate limit",
	"too many",
	"timeout",
	"timed out",
	"temporar",
	"connection reset",
	"connection refused",
	"unavailable",
}

var fatalMarkers = []string{
	"invalid credentials",
	"authentication failed",
	"authorization",
	"login failed",
	"password",
	"forbidden",
}

// Classify inspects an error's text for known transient and fatal
// markers. Transient wins when both appear, so a rate-limited auth
// endpoint is retried rather than written off.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return ClassFatal
		}
	}
	return ClassUnknown
}
