package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/version"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "arcadecast version dev")
}

func TestVersionCommandJSON(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, Execute())
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "dev", info.Version)
}

func TestServeRejectsUnknownProfile(t *testing.T) {
	rootCmd.SetArgs([]string{"serve", "--profile", "vp9", "--addr", "127.0.0.1:0"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrUnknownProfile))
}

func TestServeCommandFlags(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", cmd.Name())
	for _, name := range []string{"addr", "max-sessions", "proxy-protocol", "profile", "fps", "programs"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
