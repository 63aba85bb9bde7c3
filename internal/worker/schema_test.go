package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/midst/internal/snapshot"
)

func TestRawContentValidator(t *testing.T) {
	v, err := NewRawContentValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"empty document", `{"blocks":[],"entityMap":{}}`, true},
		{"minimal block", `{"blocks":[{"key":"a","text":"hi"}],"entityMap":{}}`, true},
		{"styled block", `{"blocks":[{"key":"a","text":"hi","type":"unstyled","depth":0,"inlineStyleRanges":[{"offset":0,"length":2,"style":"BOLD"}],"entityRanges":[],"data":{}}],"entityMap":{}}`, true},
		{"block without key", `{"blocks":[{"text":"hi"}],"entityMap":{}}`, false},
		{"negative depth", `{"blocks":[{"key":"a","text":"hi","depth":-1}],"entityMap":{}}`, false},
		{"range without style", `{"blocks":[{"key":"a","text":"hi","inlineStyleRanges":[{"offset":0,"length":1}]}],"entityMap":{}}`, false},
		{"not an object", `"plain text"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(snapshot.MustParse(tt.input))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRawContentValidator_AcceptsFromText(t *testing.T) {
	v, err := NewRawContentValidator()
	require.NoError(t, err)
	assert.NoError(t, v.Validate(snapshot.FromText("one\ntwo\nthree")))
}

func TestNewSchemaValidator_Errors(t *testing.T) {
	_, err := NewSchemaValidator(`#A: {`, "#A")
	assert.Error(t, err)

	_, err = NewSchemaValidator(`#A: {x: int}`, "#B")
	assert.Error(t, err)
}
