package profileauthz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrEvaluation = errors.New("evaluation failed")
	ErrCompliance = errors.New("compliance violation")
)

// ValidationError reports a malformed policy, role, filter or context.
type ValidationError struct {
	Object string // "policy", "role", "filter", "context"
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid ")
	b.WriteString(e.Object)
	if e.ID != "" {
		fmt.Fprintf(&b, " %q", e.ID)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown policy, role or audit reference.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// EvaluationError reports a condition that could not be evaluated. The condition counts as false.
type EvaluationError struct {
	Kind  ConditionKind
	Field string
	Err   error
}

func (e *EvaluationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("evaluate %s condition on %q: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("evaluate %s condition: %v", e.Kind, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// ComplianceError reports a blocking compliance flag that forced a denial.
type ComplianceError struct {
	Tag    string
	Reason string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("compliance %s: %s", e.Tag, e.Reason)
}

func (e *ComplianceError) Is(target error) bool { return target == ErrCompliance }

func evalErr(kind ConditionKind, field string, format string, args ...any) error {
	return &EvaluationError{Kind: kind, Field: field, Err: fmt.Errorf(format, args...)}
}

// fromValidator converts validator failures into a ValidationError naming the first bad field.
func fromValidator(object, id string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Object: object, ID: id, Field: fe.Namespace(), Reason: "failed " + reason}
	}
	return &ValidationError{Object: object, ID: id, Reason: err.Error()}
}
