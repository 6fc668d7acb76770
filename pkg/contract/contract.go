// Package contract describes the inputs a user task expects and validates submitted values.
package contract

type InputType string

const (
	InputTypeText    InputType = "TEXT"
	InputTypeInteger InputType = "INTEGER"
	InputTypeDecimal InputType = "DECIMAL"
	InputTypeBoolean InputType = "BOOLEAN"
	InputTypeDate    InputType = "DATE"
	InputTypeComplex InputType = "COMPLEX"
)

type Contract struct {
	Inputs      []Input      `yaml:"inputs" json:"inputs"`
	Constraints []Constraint `yaml:"constraints" json:"constraints"`
}

type Input struct {
	Name     string    `yaml:"name" json:"name"`
	Type     InputType `yaml:"type" json:"type"`
	Multiple bool      `yaml:"multiple" json:"multiple"`
	Optional bool      `yaml:"optional" json:"optional"`
	// Inputs are the fields of a COMPLEX input
	Inputs []Input `yaml:"inputs" json:"inputs"`
}

// Constraint is a boolean expression over the inputs.
// Explanation is reported for every input listed in InputNames when the expression is false.
type Constraint struct {
	Name        string   `yaml:"name" json:"name"`
	Expression  string   `yaml:"expression" json:"expression"`
	Explanation string   `yaml:"explanation" json:"explanation"`
	InputNames  []string `yaml:"inputNames" json:"inputNames"`
}
