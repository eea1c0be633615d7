package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFixedTicksPersistsAndInspects(t *testing.T) {
	t.Setenv("SCENEHOST_TEARDOWN_TIMEOUT", "2s")
	db := filepath.Join(t.TempDir(), "scenes.db")

	out, err := execute(t, "--format", "json", "run", "--db", db, "--ticks", "3", "testdata/scenes/plaza/scene.yaml")
	require.NoError(t, err)

	var run struct {
		Status string     `json:"status"`
		Data   RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "ok", run.Status)
	assert.Equal(t, uint64(3), run.Data.Ticks)
	assert.Equal(t, []string{"plaza"}, run.Data.Scenes)
	assert.True(t, run.Data.Stored)
	require.Len(t, run.Data.Results, 1)
	assert.Equal(t, "plaza-ticks", run.Data.Results[0].Name)

	out, err = execute(t, "inspect", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "SCENE")
	assert.Contains(t, out, "plaza")

	out, err = execute(t, "inspect", "--db", db, "--scene", "plaza")
	require.NoError(t, err)
	assert.Equal(t, "scene plaza\n  lww 1030 512.0 ts=3 \"hello 3\"\n", out)
}

func TestRunRestoresSnapshot(t *testing.T) {
	db := filepath.Join(t.TempDir(), "scenes.db")

	_, err := execute(t, "run", "--db", db, "--ticks", "2", "testdata/scenes/plaza/scene.yaml")
	require.NoError(t, err)
	// Restored entities stay live, so the second run allocates a new one.
	_, err = execute(t, "run", "--db", db, "--ticks", "1", "testdata/scenes/plaza/scene.yaml")
	require.NoError(t, err)

	out, err := execute(t, "--format", "json", "inspect", "--db", db, "--scene", "plaza")
	require.NoError(t, err)
	var resp struct {
		Data SnapshotView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []LWWView{
		{Component: 1030, Entity: "512.0", Timestamp: 2, Data: "hello 2"},
		{Component: 1030, Entity: "513.0", Timestamp: 1, Data: "hello 1"},
	}, resp.Data.LWW)
}

func TestRunRejectsInvalidManifest(t *testing.T) {
	_, err := execute(t, "run", "--ticks", "1", "testdata/scenes/broken/scene.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid manifests")
}

func TestRunRejectsBadConfig(t *testing.T) {
	t.Setenv("SCENEHOST_LOG_LEVEL", "loud")
	_, err := execute(t, "run", "--ticks", "1", "testdata/scenes/plaza/scene.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInspectMissingDatabase(t *testing.T) {
	_, err := execute(t, "inspect", "--db", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestResolvePaths(t *testing.T) {
	assert.Equal(t, []string{"a.yaml", "/abs/b.yaml"}, resolvePaths(".", []string{"a.yaml", "/abs/b.yaml"}))
	assert.Equal(t, []string{filepath.Join("root", "a.yaml"), "/abs/b.yaml"}, resolvePaths("root", []string{"a.yaml", "/abs/b.yaml"}))
}
