package errors

import (
	"fmt"
	"sort"
	"sync"
)

// Problem is a single finding reported by static validation of a module tree.
type Problem struct {
	Resource string        `json:"resource" yaml:"resource"`
	File     string        `json:"file,omitempty" yaml:"file,omitempty"`
	Line     int           `json:"line,omitempty" yaml:"line,omitempty"`
	Message  string        `json:"message" yaml:"message"`
	Severity ErrorSeverity `json:"severity" yaml:"severity"`
}

// ErrorSeverity represents the severity of a problem.
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
)

// String returns the string representation of the severity.
func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "info"
	case ErrorSeverityWarning:
		return "warning"
	case ErrorSeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in json and yaml reports.
func (s ErrorSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Error implements the error interface.
func (p *Problem) Error() string {
	location := p.Resource
	if p.File != "" {
		location = p.File
		if p.Line > 0 {
			location += fmt.Sprintf(":%d", p.Line)
		}
	}

	return fmt.Sprintf("%s: %s: %s", location, p.Severity, p.Message)
}

// ProblemFromError converts an arbitrary error into a problem, picking the
// most precise location available in its chain.
func ProblemFromError(resource string, err error) Problem {
	p := Problem{Resource: resource, Message: err.Error(), Severity: ErrorSeverityError}
	if inner := Innermost(err); inner != nil {
		p.File = inner.FilePath
		p.Line = inner.Line
		if inner.Resource != "" && resource == "" {
			p.Resource = inner.Resource
		}
	}

	return p
}

// ErrorCollector collects problems from concurrent validation passes.
type ErrorCollector struct {
	problems []Problem
	mutex    sync.RWMutex
}

// NewErrorCollector creates a new error collector.
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{}
}

// Add records a problem.
func (ec *ErrorCollector) Add(p Problem) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.problems = append(ec.problems, p)
}

// AddError records err as an error-severity problem of resource.
func (ec *ErrorCollector) AddError(resource string, err error) {
	if err == nil {
		return
	}
	ec.Add(ProblemFromError(resource, err))
}

// Problems returns the collected problems ordered by resource and line.
func (ec *ErrorCollector) Problems() []Problem {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	result := make([]Problem, len(ec.problems))
	copy(result, ec.problems)
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Resource != result[j].Resource {
			return result[i].Resource < result[j].Resource
		}
		return result[i].Line < result[j].Line
	})

	return result
}

// HasErrors returns true if any collected problem has error severity.
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	for _, p := range ec.problems {
		if p.Severity >= ErrorSeverityError {
			return true
		}
	}

	return false
}

// Clear drops all problems.
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.problems = nil
}
