package generation_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const summarySchema = `{
	"type": "object",
	"required": ["summary", "skills"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"skills": {"type": "array", "items": {"type": "string"}},
		"years": {"type": "number"}
	}
}`

func TestOutputValidator(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detailed_resume_summary.json"), []byte(summarySchema), 0o600))

	v, err := generation.NewOutputValidator(dir)
	require.NoError(t, err)
	assert.True(t, v.Has("detailed_resume_summary"))
	assert.False(t, v.Has("job_match"))

	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{"valid", `{"summary":"Go engineer","skills":["go","sql"],"years":7}`, false},
		{"missing field", `{"summary":"Go engineer"}`, true},
		{"wrong type", `{"summary":"x","skills":"go"}`, true},
		{"not json", `Sure! Here is your summary`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := v.Validate("detailed_resume_summary", []byte(tt.output))
			if tt.wantErr {
				assert.ErrorIs(t, err, generation.ErrInvalidResponse)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.NoError(t, v.Validate("job_match", []byte("free text")), "no schema, no check")
}

func TestOutputValidatorBadSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"type": 12}`), 0o600))

	_, err := generation.NewOutputValidator(dir)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}

func TestOutputValidatorEmptyDir(t *testing.T) {
	t.Parallel()

	v, err := generation.NewOutputValidator("")
	require.NoError(t, err)
	assert.NoError(t, v.Validate("anything", []byte("{")))
}
