package contract

import (
	"fmt"
	"strings"
)

const (
	inputsMessage      = "Error while validating expected inputs"
	constraintsMessage = "Error while validating constraints"
)

// ViolationError is the user facing result of a failed contract validation.
// It never wraps internal errors.
type ViolationError struct {
	SimpleMessage   string
	DetailedMessage string
	// Explanations are keyed by input name; constraints without inputs use the empty key
	Explanations map[string][]string
	// Messages holds every explanation in the order it was produced
	Messages []string
}

func (e *ViolationError) Error() string {
	return e.DetailedMessage
}

type violationBuilder struct {
	simple       string
	order        []string
	explanations map[string][]string
}

func newViolationBuilder(simple string) *violationBuilder {
	return &violationBuilder{simple: simple, explanations: map[string][]string{}}
}

func (b *violationBuilder) add(field, explanation string) {
	b.order = append(b.order, explanation)
	b.explanations[field] = append(b.explanations[field], explanation)
}

func (b *violationBuilder) build() error {
	if len(b.order) == 0 {
		return nil
	}
	return &ViolationError{
		SimpleMessage:   b.simple,
		DetailedMessage: fmt.Sprintf("%s: [%s]", b.simple, strings.Join(b.order, ", ")),
		Explanations:    b.explanations,
		Messages:        b.order,
	}
}
