package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosgo/xkernel/confgen"
	"github.com/dosgo/xkernel/param"
)

func TestOverridesOnlyChangedFlags(t *testing.T) {
	require.NoError(t, runCmd.Flags().Parse([]string{"--mode", "tun", "--proxy-port", "1080"}))
	o, err := overrides(runCmd)
	require.NoError(t, err)
	require.NotNil(t, o.Mode)
	assert.Equal(t, param.ModeTun, *o.Mode)
	require.NotNil(t, o.ProxyPort)
	assert.Equal(t, 1080, *o.ProxyPort)
	assert.Nil(t, o.APIPort)
	assert.Nil(t, o.KeepAlive)

	require.NoError(t, runCmd.Flags().Parse([]string{"--mode", "vpn"}))
	_, err = overrides(runCmd)
	assert.Error(t, err)
}

func TestGenWritesConfig(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub.txt")
	require.NoError(t, os.WriteFile(sub, []byte("trojan://pw@example.com:443#cli-node\n"), 0o644))
	out := filepath.Join(dir, "out.json")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"--config", filepath.Join(dir, "xkernel.yaml"), "gen", sub, "-o", out})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, stdout.String(), "1 nodes written")
	assert.FileExists(t, filepath.Join(dir, "xkernel.yaml"))

	doc, err := confgen.LoadFile(out)
	require.NoError(t, err)
	assert.Contains(t, doc.GroupMembers("auto"), "cli-node")
}
