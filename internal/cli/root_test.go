package cli

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
)

// execute runs the root command with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
		stopTimeout = 30
	})

	cmd := GetRootCmd()
	resetFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags clears help and version flags left set by an earlier run of the shared root command.
func resetFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeConfig writes cfg as JSON into a temp dir whose data_dir and chain_specs.dir point inside it.
func writeConfig(t *testing.T, cfg map[string]interface{}) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	chains := filepath.Join(dir, "chains")
	require.NoError(t, os.MkdirAll(chains, 0755))

	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	cfg["data_dir"] = dataDir
	if _, ok := cfg["chain_specs"]; !ok {
		cfg["chain_specs"] = map[string]interface{}{"dir": "chains", "watch": false}
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path = filepath.Join(dir, "lightmux.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, dataDir
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "lightmux version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "lightmux")
		assert.Contains(t, out, "light client")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "validate", "version", "status", "stop"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lightmux version "+GetVersion()+"\n", out)
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	path, _ := writeConfig(t, nil)
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
	})

	cfgFile = path
	logLevel = "debug"
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
