package contract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expenseContract = Contract{
	Inputs: []Input{
		{Name: "amount", Type: InputTypeDecimal},
		{Name: "approved", Type: InputTypeBoolean},
		{Name: "comment", Type: InputTypeText, Optional: true},
		{Name: "address", Type: InputTypeComplex, Optional: true, Inputs: []Input{
			{Name: "city", Type: InputTypeText},
		}},
		{Name: "tags", Type: InputTypeText, Multiple: true, Optional: true},
	},
	Constraints: []Constraint{
		{Name: "positive", Expression: "amount > 0", Explanation: "amount must be positive", InputNames: []string{"amount"}},
		{Name: "commentWhenRejected", Expression: "approved || comment != nil", Explanation: "a rejection needs a comment", InputNames: []string{"approved", "comment"}},
	},
}

func TestValidateAcceptsValidInputs(t *testing.T) {
	e := NewExprEvaluator()
	err := e.Validate(t.Context(), 1, expenseContract, map[string]any{
		"amount":   12.5,
		"approved": true,
		"address":  map[string]any{"city": "Brno"},
		"tags":     []any{"travel"},
	})
	assert.NoError(t, err)
}

func TestValidateReportsMissingAndMistypedInputs(t *testing.T) {
	e := NewExprEvaluator()
	err := e.Validate(t.Context(), 1, expenseContract, map[string]any{
		"amount":  "twelve",
		"address": map[string]any{},
	})
	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "Error while validating expected inputs", violation.SimpleMessage)
	assert.Contains(t, violation.Explanations, "amount")
	assert.Contains(t, violation.Explanations, "approved")
	assert.Contains(t, violation.Explanations, "address.city")
	assert.Len(t, violation.Messages, 3)
	assert.Contains(t, violation.DetailedMessage, "Expected input [approved] is missing")
}

func TestValidateReportsConstraintsPerField(t *testing.T) {
	e := NewExprEvaluator()
	err := e.Validate(t.Context(), 1, expenseContract, map[string]any{
		"amount":   -1,
		"approved": false,
	})
	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "Error while validating constraints", violation.SimpleMessage)
	assert.Equal(t, []string{"amount must be positive"}, violation.Explanations["amount"])
	assert.Equal(t, []string{"a rejection needs a comment"}, violation.Explanations["comment"])
	assert.Equal(t, []string{"amount must be positive", "a rejection needs a comment", "a rejection needs a comment"}, violation.Messages)
}

func TestValidateReusesCompiledPrograms(t *testing.T) {
	e := NewExprEvaluator()
	for _, amount := range []any{1, 2.5, int64(3)} {
		err := e.Validate(t.Context(), 7, expenseContract, map[string]any{"amount": amount, "approved": true})
		assert.NoError(t, err)
	}
	assert.Len(t, e.cache, 2)
}

func TestValidateFailsOnNonBooleanConstraint(t *testing.T) {
	e := NewExprEvaluator()
	c := Contract{
		Inputs:      []Input{{Name: "amount", Type: InputTypeInteger}},
		Constraints: []Constraint{{Name: "broken", Expression: "amount + 1"}},
	}
	err := e.Validate(t.Context(), 1, c, map[string]any{"amount": 1})
	require.Error(t, err)
	var violation *ViolationError
	assert.False(t, errors.As(err, &violation))
}
