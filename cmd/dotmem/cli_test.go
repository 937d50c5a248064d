package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmem/pkg/memory"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTestConfig points a config at a temp data dir with autosave off.
func writeTestConfig(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := map[string]any{
		"memory":  map[string]any{"autosave_schedule": ""},
		"storage": map[string]any{"backend": backend, "data_dir": filepath.Join(dir, "data")},
		"log":     map[string]any{"level": "error"},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestCLIHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	for _, name := range []string{"add", "recall", "remove", "stats", "maintain", "check", "shell", "gateway", "init", "version"} {
		assert.Contains(t, output, name)
	}
	assert.NotContains(t, output, "docs")
}

func TestCLIRequiresSubcommand(t *testing.T) {
	_, err := runRootCommandForTest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a subcommand is required")
}

func TestCLIVersion(t *testing.T) {
	output, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "dotmem dev"))
}

func TestCLIAddRecallStatsRemove(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfgPath := writeTestConfig(t, backend)

			out, err := runRootCommandForTest("--config", cfgPath, "add", "bob grew amazing tomatoes",
				"--user", "bob", "--platform", "discord", "--context", "#garden", "--meta", "source=test")
			require.NoError(t, err)
			id := strings.TrimSpace(out)
			require.True(t, strings.HasPrefix(id, "mem-"), id)

			out, err = runRootCommandForTest("--config", cfgPath, "recall", "--user", "bob", "--topic", "tomatoes")
			require.NoError(t, err)
			assert.Contains(t, out, id)
			assert.Contains(t, out, "bob grew amazing tomatoes (#garden) users=bob")

			out, err = runRootCommandForTest("--config", cfgPath, "recall", "--user", "bob", "--explain")
			require.NoError(t, err)
			assert.Contains(t, out, "user=40")

			out, err = runRootCommandForTest("--config", cfgPath, "stats", "--json")
			require.NoError(t, err)
			var stats memory.Stats
			require.NoError(t, json.Unmarshal([]byte(out), &stats))
			assert.Equal(t, 1, stats.TotalMemories)
			assert.Equal(t, 1, stats.Tiers.Hot)
			assert.Equal(t, 1, stats.Retrievals, "explain does not count as a retrieval")
			require.Len(t, stats.TopAccessed, 1)
			assert.Equal(t, memory.AccessCount{ID: id, Count: 1}, stats.TopAccessed[0])

			out, err = runRootCommandForTest("--config", cfgPath, "check")
			require.NoError(t, err)
			assert.Contains(t, out, "consistent")

			_, err = runRootCommandForTest("--config", cfgPath, "remove", id)
			require.NoError(t, err)
			_, err = runRootCommandForTest("--config", cfgPath, "remove", id)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not found")

			out, err = runRootCommandForTest("--config", cfgPath, "recall")
			require.NoError(t, err)
			assert.Contains(t, out, "No memories found.")
		})
	}
}

func TestCLIAddRejectsInvalidInput(t *testing.T) {
	cfgPath := writeTestConfig(t, "json")
	_, err := runRootCommandForTest("--config", cfgPath, "add", "   ")
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrValidation)
}

func TestCLIMaintain(t *testing.T) {
	cfgPath := writeTestConfig(t, "json")
	out, err := runRootCommandForTest("--config", cfgPath, "maintain")
	require.NoError(t, err)
	assert.Contains(t, out, "Hot → warm:  0")
	assert.Contains(t, out, "Compacted:   0 into 0 summaries")
}

func TestCLIInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"backend":"redis"}}`), 0o600))
	_, err := runRootCommandForTest("--config", path, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestCLIInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	out, err := runRootCommandForTest("--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Config written")
	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(home, ".dotmem", "data"))
	require.NoError(t, err)

	out, err = runRootCommandForTest("--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestGatewayRequiresDiscord(t *testing.T) {
	cfgPath := writeTestConfig(t, "json")
	_, err := runRootCommandForTest("--config", cfgPath, "gateway")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channels.discord.enabled")
}

func TestGenerateReferences(t *testing.T) {
	dir := t.TempDir()
	roots, err := writeGeneratedReferences(func() *cobra.Command { return buildRootCommand(false) }, dir)
	require.NoError(t, err)
	assert.Len(t, roots, 3)

	configRef, err := os.ReadFile(filepath.Join(dir, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(configRef), "| `memory.hot_limit` | `int` | `DOTMEM_MEMORY_HOT_LIMIT` | `100` | `min=1` |")
	assert.Contains(t, string(configRef), "`storage.backend`")

	_, err = os.Stat(filepath.Join(dir, "reference", "cli", "dotmem_recall.md"))
	assert.NoError(t, err)
}
