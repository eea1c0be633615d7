package manifest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codes(t *testing.T, err error) []string {
	t.Helper()
	var inv *InvalidError
	require.ErrorAs(t, err, &inv)
	var out []string
	for _, e := range inv.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestParse_Valid(t *testing.T) {
	m, err := Parse([]byte("id: lobby\nmain: scripts/main.lua\nportable: true\nenv:\n  MODE: demo\n"))
	require.NoError(t, err)
	assert.Equal(t, "lobby", m.ID)
	assert.Equal(t, "scripts/main.lua", m.Main)
	assert.True(t, m.Portable)
	assert.Equal(t, map[string]string{"MODE": "demo"}, m.Env)
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("id: lobby\nmain: main.lua\nscript: other.lua\n"))
	assert.Equal(t, []string{ErrSyntax}, codes(t, err))
}

func TestValidate_SchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		m     Manifest
		field string
	}{
		{"bad id", Manifest{ID: "Has Spaces", Main: "main.lua"}, "id"},
		{"missing main", Manifest{ID: "ok"}, "main"},
		{"not lua", Manifest{ID: "ok", Main: "main.js"}, "main"},
		{"bad env key", Manifest{ID: "ok", Main: "main.lua", Env: map[string]string{"1BAD": "x"}}, "env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(&tt.m)
			require.NotEmpty(t, errs)
			assert.Equal(t, ErrSchema, errs[0].Code)
			assert.Contains(t, errs[0].Field, tt.field)
		})
	}
}

func TestLoad_ResolvesContentRoot(t *testing.T) {
	path := filepath.Join("testdata", "plaza", "scene.yaml")
	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "plaza"), m.Root())

	d := m.Descriptor()
	assert.Equal(t, "plaza", d.ID)
	assert.Equal(t, "Plaza", d.Title)
	src, err := d.Content.Read(context.Background(), d.Main)
	require.NoError(t, err)
	assert.Contains(t, string(src), "onUpdate")
}

func TestLoad_MissingEntryScript(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "broken", "scene.yaml"))
	assert.Equal(t, []string{ErrMainMissing}, codes(t, err))
	assert.Contains(t, err.Error(), "scene.yaml")
}

func TestLoadAll_DuplicateIDs(t *testing.T) {
	path := filepath.Join("testdata", "plaza", "scene.yaml")
	ms, err := LoadAll([]string{path, path})
	require.Error(t, err)
	assert.Len(t, ms, 1)
	assert.Contains(t, err.Error(), ErrDuplicateID)
}
