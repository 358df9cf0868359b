// Package monitor checks inbound webhook bodies against a JSON schema contract
// before any field of them is trusted.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ContractMonitor validates payloads against one compiled JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitorFromString compiles an inline schema document.
func NewContractMonitorFromString(schema string) (*ContractMonitor, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("error compiling inline schema: %w", err)
	}
	return &ContractMonitor{schema: compiled}, nil
}

// MustContractMonitor is like NewContractMonitorFromString but panics on a bad schema.
// Provider clients use it for their built-in webhook contracts.
func MustContractMonitor(schema string) *ContractMonitor {
	cm, err := NewContractMonitorFromString(schema)
	if err != nil {
		panic(err)
	}
	return cm
}

// Validate validates body against the loaded schema.
// It returns true if valid, or false and a list of validation errors if invalid.
// A body that is not JSON at all is reported through the error return.
func (cm *ContractMonitor) Validate(body []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// Check folds Validate into a single error suitable for a rejection reason.
func (cm *ContractMonitor) Check(body []byte) error {
	ok, violations, err := cm.Validate(body)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s", FormatErrors(violations))
	}
	return nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
