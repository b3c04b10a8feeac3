package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking problems from advice.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem by a dotted path such as
// "instructions[3].args[1]".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found by a static check. Only
// errors make it invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Errorf records an error at path.
func (r *ValidationResult) Errorf(path, code, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

// Warnf records a warning at path.
func (r *ValidationResult) Warnf(path, code, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Err folds the errors into one VALIDATION_ERROR, or returns nil. The
// message lists every error; Details carries the structured issues.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	lines := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		lines[i] = issue.String()
	}
	return NewError(ErrCodeValidation, strings.Join(lines, "; ")).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
