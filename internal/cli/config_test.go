package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/biblechat/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConfigInitCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	initForce = false

	cmd := GetRootCmd()
	cmd.SetArgs(append([]string{"config", "init"}, args...))
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)

	err := cmd.Execute()
	return output.String(), err
}

func TestConfigInitCommand(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("BIBLECHAT_GEMINI_API_KEY", "")

	path := filepath.Join(t.TempDir(), "conf", "biblechat.json")
	t.Cleanup(func() { cfgFile = "" })

	t.Run("writes defaults", func(t *testing.T) {
		out, err := runConfigInitCmd(t, "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Wrote "+path)

		loaded, err := config.NewLoader(path).WithEnvFile("").Load()
		require.NoError(t, err)
		defaults := config.DefaultConfig()
		assert.Equal(t, defaults.Server.Port, loaded.Server.Port)
		assert.Equal(t, defaults.Prompt.Path, loaded.Prompt.Path)
		assert.Equal(t, defaults.Sessions.MaxSessions, loaded.Sessions.MaxSessions)
		assert.Empty(t, loaded.Gemini.APIKey)
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":9999}}`), 0o644))

		_, err := runConfigInitCmd(t, "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "9999")
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, err := runConfigInitCmd(t, "--config", path, "--force")
		require.NoError(t, err)

		loaded, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig().Server.Port, loaded.Server.Port)
	})
}
