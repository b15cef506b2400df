// Package logging wraps the standard library logger with the teacher's
// key=value breadcrumb convention (cmd/worker/main.go's job_timing lines)
// instead of adopting a structured logging library.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

var std = log.New(os.Stdout, "", log.LstdFlags)

// Fields is a set of key=value breadcrumbs. They are printed in map
// iteration order, so their order on a line is not fixed.
type Fields map[string]any

func (f Fields) String() string {
	if len(f) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// Info logs msg followed by the key=value fields, matching
// log.Printf("job_timing job=%s update=%s ... ") in the teacher's worker.
func Info(msg string, fields Fields) {
	std.Printf("%s %s", msg, fields)
}

// Error logs an error-level breadcrumb line.
func Error(msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["err"] = err
	std.Printf("%s %s", msg, fields)
}

// Warn logs a warning-level breadcrumb line.
func Warn(msg string, fields Fields) {
	std.Printf("%s %s", msg, fields)
}
