package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKnownTemplates(t *testing.T) {
	for _, name := range []string{TDDWorker, QAReview, StrategicFilter, MemoryUpdate} {
		tmpl, err := Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, tmpl.Name)
		assert.NotEmpty(t, tmpl.SystemPrompt)
	}
}

func TestGetUnknownTemplate(t *testing.T) {
	_, err := Get("does_not_exist")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	tmpl, err := Get(TDDWorker)
	require.NoError(t, err)

	rendered, err := tmpl.Render(map[string]string{
		"task_description": "implement add()",
		"code":             "",
		"test_results":     "no tests yet",
	})
	require.NoError(t, err)
	assert.Contains(t, rendered, "implement add()")
	assert.Contains(t, rendered, "no tests yet")
	assert.NotContains(t, rendered, "{{task_description}}")
}

func TestRenderFailsFastOnMissingVariable(t *testing.T) {
	tmpl, err := Get(TDDWorker)
	require.NoError(t, err)

	_, err = tmpl.Render(map[string]string{
		"task_description": "implement add()",
		"code":              "",
		// test_results intentionally omitted
	})
	require.Error(t, err)

	var missing *ErrMissingVariable
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "test_results", missing.Name)
}

func TestRenderEmptyValueIsNotMissing(t *testing.T) {
	tmpl, err := Get(TDDWorker)
	require.NoError(t, err)

	_, err = tmpl.Render(map[string]string{
		"task_description": "implement add()",
		"code":              "",
		"test_results":      "",
	})
	assert.NoError(t, err)
}
