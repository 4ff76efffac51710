package main

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwatch/internal/gateway"
	"botwatch/internal/storage"
	logx "botwatch/pkg/logx"
)

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, filepath.Join(t.TempDir(), "absent.json"), "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `{"discord":{"token":"x","prefix":"!"},"storage":{"driver":"memory"}}`)

	stdout, _, err := executeCLI(t, cfgPath, "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok: ")
	assert.Contains(t, stdout, `prefix="!"`)
	assert.Contains(t, stdout, "storage=memory")
	assert.Contains(t, stdout, "node_health=false")
}

func TestCheckCommandRejectsUnknownField(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `{"discord":{"token":"x"},"storage":{"driver":"memory"},"bogus":1}`)

	stdout, _, err := executeCLI(t, cfgPath, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
	assert.Empty(t, stdout)
}

func TestConfigShortFlag(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `{"discord":{"token":"x"},"storage":{"driver":"none"}}`)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"check", "-c", cfgPath})

	require.NoError(t, root.Execute())
	assert.Contains(t, stdout.String(), "storage=none")
}

func TestTrackedListArgs(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `{"discord":{"token":"x"},"storage":{"driver":"memory"}}`)

	_, _, err := executeCLI(t, cfgPath, "tracked", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")

	_, _, err = executeCLI(t, cfgPath, "tracked", "add", "g1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg(s)")
}

func TestTrackedListRejectsMemoryStore(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `{"discord":{"token":"x"},"storage":{"driver":"memory"}}`)

	_, _, err := executeCLI(t, cfgPath, "tracked", "list", "g1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestTrackedListRejectsDisabledStore(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `{"discord":{"token":"x"},"storage":{"driver":"none"}}`)

	_, _, err := executeCLI(t, cfgPath, "tracked", "list", "g1")
	require.ErrorIs(t, err, storage.ErrDisabled)
}

func TestTrackedListReadsSQLite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "botwatch.db")
	seedChannel(t, dbPath, "g1", "chan-1")
	cfgPath := writeConfig(t, dir, `{"discord":{"token":"x"},"storage":{"driver":"sqlite","uri":"`+filepath.ToSlash(dbPath)+`"}}`)

	stdout, _, err := executeCLI(t, cfgPath, "tracked", "list", "g1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "channel: chan-1")
	assert.Contains(t, stdout, "LAST ONLINE")

	stdout, _, err = executeCLI(t, cfgPath, "tracked", "list", "g2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "channel: (not set)")
}

func TestTrackedAddNeedsChannel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `{"discord":{"token":"x"},"storage":{"driver":"sqlite","uri":"`+filepath.ToSlash(filepath.Join(dir, "b.db"))+`"}}`)

	stdout, _, err := executeCLI(t, cfgPath, "tracked", "add", "g1", "b1")
	require.ErrorIs(t, err, gateway.ErrNoBroadcastChannel)
	assert.Empty(t, stdout)
}

func TestRunMissingConfig(t *testing.T) {
	_, _, err := executeCLI(t, filepath.Join(t.TempDir(), "absent.json"), "run")
	require.ErrorIs(t, err, fs.ErrNotExist)

	// bare invocation runs the bot too
	_, _, err = executeCLI(t, filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func executeCLI(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func seedChannel(t *testing.T, dbPath, communityID, channelID string) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", URI: dbPath, HeartbeatInterval: -1}, logx.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, st.SetBroadcastChannel(ctx, communityID, channelID))
	require.NoError(t, st.Close(ctx))
}
