// Package telemetry provides the structured logging, tracing, metrics
// and diagnostic-event glue for the service around the evaluator: a
// component-scoped logger, an OTLP tracer provider, Prometheus
// collectors and a Redis event sink. The core packages do not call it.
// It is purely additive: nothing here participates in value
// computation or invalidation correctness.
package telemetry

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter routes logrus output to stderr for error-level
// entries and stdout for everything else, the same stream-separation
// idiom as the teacher's common.OutputSplitter, so container log
// aggregators can apply different handling per stream without parsing
// JSON first.
type streamSplitter struct{}

func (streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// NewLogger constructs a logrus.Logger pre-configured with the stream
// splitter and a component field, so every log line this package's
// callers emit is attributable to the subsystem that emitted it (the
// evaluator, the invalidator, a plugin) without each call site
// repeating the field.
func NewLogger(component string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(streamSplitter{})
	if os.Getenv("BUILDGRAPH_LOG_FORMAT") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("BUILDGRAPH_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
	return log.WithField("component", component)
}
