package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

type ValidationFinding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
}

type ValidationResult struct {
	Function string              `json:"function"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Infos    int                 `json:"infos"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	case SeverityInfo:
		r.Infos++
	}
}

func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

// Err collapses error findings into a single error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	var msgs []string
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			msgs = append(msgs, f.Message)
		}
	}
	return fmt.Errorf("invalid function %q: %s", r.Function, strings.Join(msgs, "; "))
}

// ValidateDefinition checks a definition the same way the construct layer
// does before a placeholder is deployed. Defaults must already be applied.
func ValidateDefinition(d *FunctionDefinition) *ValidationResult {
	r := &ValidationResult{Function: d.ID}

	if d.ID == "" {
		r.Add(ValidationFinding{Check: "id", Severity: SeverityError, Field: "id",
			Message: "function id is required"})
	} else if !ValidFunctionID(d.ID) {
		r.Add(ValidationFinding{Check: "id", Severity: SeverityError, Field: "id",
			Message: fmt.Sprintf("function id %q may only contain letters, digits, '.', '_' and '-'", d.ID)})
	}
	if d.Handler == "" {
		r.Add(ValidationFinding{Check: "handler", Severity: SeverityError, Field: "handler",
			Message: "no handler defined"})
	} else if (d.Family() == FamilyNode || d.Family() == FamilyPython) && d.HandlerExport() == "" {
		r.Add(ValidationFinding{Check: "handler", Severity: SeverityError, Field: "handler",
			Message: fmt.Sprintf("handler %q must be of the form file.export", d.Handler)})
	}

	if strings.HasPrefix(d.Runtime, "dotnet") {
		r.Add(ValidationFinding{Check: "runtime", Severity: SeverityError, Field: "runtime",
			Message: fmt.Sprintf("%s functions cannot run live; publish a bootstrap executable and use a provided runtime", d.Runtime)})
	} else if d.Family() == FamilyUnknown {
		r.Add(ValidationFinding{Check: "runtime", Severity: SeverityError, Field: "runtime",
			Message: fmt.Sprintf("the specified runtime is not supported for live execution: %s", d.Runtime)})
	} else if !IsSupportedRuntime(d.Runtime) {
		r.Add(ValidationFinding{Check: "runtime", Severity: SeverityWarning, Field: "runtime",
			Message: fmt.Sprintf("runtime %s is not a known platform runtime", d.Runtime)})
	}

	switch d.Family() {
	case FamilyPython:
		if d.SrcPath == "." {
			r.Add(ValidationFinding{Check: "srcPath", Severity: SeverityError, Field: "srcPath",
				Message: "cannot set srcPath to the project root for python functions"})
		}
	case FamilyNode:
		if d.SrcPath == "." && d.Bundle != nil && d.Bundle.Disabled {
			r.Add(ValidationFinding{Check: "bundle", Severity: SeverityError, Field: "bundle",
				Message: "bundling cannot be disabled when srcPath is the project root"})
		}
	}

	if d.Bundle != nil {
		for i, cf := range d.Bundle.CopyFiles {
			field := fmt.Sprintf("bundle.copyFiles[%d]", i)
			if cf.From == "" {
				r.Add(ValidationFinding{Check: "copyFiles", Severity: SeverityError, Field: field,
					Message: "copyFiles entry is missing from"})
				continue
			}
			if path.IsAbs(cf.To) {
				r.Add(ValidationFinding{Check: "copyFiles", Severity: SeverityError, Field: field,
					Message: fmt.Sprintf("copyFiles destination path %q must be relative", cf.To)})
			}
		}
	}

	if d.Timeout.Duration > 15*time.Minute {
		r.Add(ValidationFinding{Check: "timeout", Severity: SeverityWarning, Field: "timeout",
			Message: fmt.Sprintf("timeout %s exceeds the platform maximum of 15m", d.Timeout)})
	}

	for k := range d.Environment {
		if strings.HasPrefix(k, "BIFROST_") {
			r.Add(ValidationFinding{Check: "environment", Severity: SeverityWarning, Field: "environment." + k,
				Message: fmt.Sprintf("%s is overwritten by the live worker", k)})
		}
	}

	return r
}
