package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"call", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "policy pack")
		assert.Contains(t, helpText, "--retry")
		assert.Contains(t, helpText, "--skip-verification")
	})
}

func TestParseToolArgs(t *testing.T) {
	t.Run("typed values", func(t *testing.T) {
		args, err := parseToolArgs([]string{
			"repository=my-org/my-repo",
			"pr_number=123",
			"pr_size_kb=12.5",
			"dry_run=true",
		})
		require.NoError(t, err)

		assert.Equal(t, "my-org/my-repo", args["repository"])
		assert.Equal(t, int64(123), args["pr_number"])
		assert.Equal(t, 12.5, args["pr_size_kb"])
		assert.Equal(t, true, args["dry_run"])
	})

	t.Run("json values", func(t *testing.T) {
		args, err := parseToolArgs([]string{`tags=["a","b"]`, `meta={"k":"v"}`})
		require.NoError(t, err)

		assert.Equal(t, []interface{}{"a", "b"}, args["tags"])
		assert.Equal(t, map[string]interface{}{"k": "v"}, args["meta"])
	})

	t.Run("value containing equals", func(t *testing.T) {
		args, err := parseToolArgs([]string{"note=a=b"})
		require.NoError(t, err)

		assert.Equal(t, "a=b", args["note"])
	})

	t.Run("empty value stays a string", func(t *testing.T) {
		args, err := parseToolArgs([]string{"currency="})
		require.NoError(t, err)

		assert.Equal(t, "", args["currency"])
	})

	t.Run("missing separator", func(t *testing.T) {
		_, err := parseToolArgs([]string{"no-separator"})
		assert.Error(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := parseToolArgs([]string{"=value"})
		assert.Error(t, err)
	})

	t.Run("no pairs", func(t *testing.T) {
		args, err := parseToolArgs(nil)
		require.NoError(t, err)
		assert.Empty(t, args)
	})
}

func TestParseArgValue(t *testing.T) {
	assert.Equal(t, int64(5000), parseArgValue("5000"))
	assert.Equal(t, -2.5, parseArgValue("-2.5"))
	assert.Equal(t, false, parseArgValue("false"))
	assert.Equal(t, "ord_123", parseArgValue("ord_123"))
	// Malformed JSON falls back to the raw string
	assert.Equal(t, "{broken", parseArgValue("{broken"))
}
