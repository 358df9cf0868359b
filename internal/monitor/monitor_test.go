package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callbackSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "Callback",
	"type": "object",
	"properties": {
		"referenceId": { "type": "string", "minLength": 1 },
		"status": { "type": "string", "minLength": 1 },
		"amount": { "type": ["string", "number"] }
	},
	"required": ["referenceId", "status"]
}`

func TestNewContractMonitorFromString(t *testing.T) {
	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitorFromString(callbackSchema)
		require.NoError(t, err)
		require.NotNil(t, cm)
		assert.NotNil(t, cm.schema)
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		_, err := NewContractMonitorFromString("{invalid_json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error compiling inline schema")
	})

	t.Run("Must", func(t *testing.T) {
		assert.Panics(t, func() { MustContractMonitor("{invalid_json") })
		assert.NotPanics(t, func() { MustContractMonitor(callbackSchema) })
	})
}

func TestContractMonitor_Validate(t *testing.T) {
	cm := MustContractMonitor(callbackSchema)

	tests := []struct {
		name          string
		payload       string
		expectValid   bool
		expectErrors  bool
		errorContains []string
	}{
		{
			name:        "ValidPayload",
			payload:     `{"referenceId": "b8f6d7e2", "status": "SUCCESSFUL", "amount": "500"}`,
			expectValid: true,
		},
		{
			name:          "MissingStatus",
			payload:       `{"referenceId": "b8f6d7e2"}`,
			expectErrors:  true,
			errorContains: []string{"status is required"},
		},
		{
			name:          "EmptyReference",
			payload:       `{"referenceId": "", "status": "FAILED"}`,
			expectErrors:  true,
			errorContains: []string{"referenceId"},
		},
		{
			name:          "WrongType",
			payload:       `{"referenceId": 42, "status": "FAILED"}`,
			expectErrors:  true,
			errorContains: []string{"Invalid type. Expected: string, given: integer"},
		},
		{
			name:        "AdditionalPropertyAllowed",
			payload:     `{"referenceId": "x", "status": "PENDING", "payer": {"partyId": "22670000000"}}`,
			expectValid: true,
		},
		{
			name:         "MalformedJSON",
			payload:      `{"referenceId": "x",`,
			expectErrors: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, violations, funcErr := cm.Validate([]byte(tt.payload))
			assert.Equal(t, tt.expectValid, valid)

			if !tt.expectErrors {
				assert.NoError(t, funcErr)
				assert.Empty(t, violations)
				return
			}
			assert.True(t, funcErr != nil || len(violations) > 0, "expected a violation or an error")

			combined := strings.Join(violations, "; ")
			for _, want := range tt.errorContains {
				assert.Contains(t, combined, want)
			}
		})
	}
}

func TestContractMonitor_Check(t *testing.T) {
	cm := MustContractMonitor(callbackSchema)

	assert.NoError(t, cm.Check([]byte(`{"referenceId": "x", "status": "SUCCESSFUL"}`)))

	err := cm.Check([]byte(`{"status": "SUCCESSFUL"}`))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Validation errors: "))

	assert.Error(t, cm.Check([]byte(`not json`)))
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		name           string
		errors         []string
		expectedOutput string
	}{
		{name: "NoErrors", errors: []string{}, expectedOutput: ""},
		{name: "SingleError", errors: []string{"(root): status is required"}, expectedOutput: "Validation errors: (root): status is required"},
		{name: "MultipleErrors", errors: []string{"Error 1", "Error 2"}, expectedOutput: "Validation errors: Error 1; Error 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedOutput, FormatErrors(tt.errors))
		})
	}
}
