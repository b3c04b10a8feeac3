package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_ErrorsAndWarnings(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.Err())

	r.Warnf("instructions[3].op", ErrCodeUnsupported, "no built-in handler for opcode %s", "BEEP")
	assert.True(t, r.Valid(), "warnings alone keep the result valid")
	assert.NoError(t, r.Err())

	r.Errorf("instructions[0].args[0]", ErrCodeValidation, "Unknown register: %v", "r99")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, ValidationIssue{
		Path:     "instructions[0].args[0]",
		Code:     ErrCodeValidation,
		Message:  "Unknown register: r99",
		Severity: SeverityError,
	}, r.Errors[0])
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "instructions[2]: bad", ValidationIssue{Path: "instructions[2]", Message: "bad"}.String())
	assert.Equal(t, "bad", ValidationIssue{Message: "bad"}.String())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.Errorf("a", ErrCodeValidation, "err1")
	r2 := &ValidationResult{}
	r2.Errorf("b", ErrCodeVM, "err2")
	r2.Warnf("c", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)
	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_Err(t *testing.T) {
	r := &ValidationResult{}
	r.Errorf("instructions[0].label", ErrCodeValidation, "duplicate label %q", "loop")
	r.Errorf("instructions[4].args[0]", ErrCodeValidation, "Unknown label: %s", "done")
	r.Warnf("instructions[1].args", ErrCodeValidation, "extra operands")

	err := r.Err()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))

	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, `instructions[0].label: duplicate label "loop"; instructions[4].args[0]: Unknown label: done`, fe.Message)
	assert.Len(t, fe.Details["errors"], 2)
	assert.Len(t, fe.Details["warnings"], 1)
}
