// Package telemetry provides the coordinator's logging and metrics idiom.
// The teacher repo logs with the standard library's log package directly
// (no structured-logging dependency appears anywhere in its import graph),
// so this keeps that convention rather than introducing one unobserved in
// the corpus — just with a per-component tag, matching the bracketed
// "[ORCHESTRATOR]"/"[ContribCalc]" prefixes the distillation source used.
package telemetry

import (
	"fmt"
	"log"
)

// Logger prefixes every line with the emitting component's tag.
type Logger struct {
	tag string
}

// NewLogger returns a Logger for the named component, e.g. "registry",
// "netmonitor", "aggregator", "coordinator", "orchestrator".
func NewLogger(component string) *Logger {
	return &Logger{tag: fmt.Sprintf("[%s]", component)}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf(l.tag+" "+format, args...)
}

func (l *Logger) Println(args ...any) {
	log.Println(append([]any{l.tag}, args...)...)
}
