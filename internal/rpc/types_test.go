package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestKnownKinds(t *testing.T) {
	for _, k := range Kinds() {
		req, err := NewRequest(k, nil)
		require.NoError(t, err, k)
		assert.Equal(t, k, req.Kind())
	}
}

func TestNewRequestConvertsScriptValues(t *testing.T) {
	req, err := NewRequest(KindTakeScreenshot, map[string]any{
		"name": "shot", "width": 640.0, "height": 480.0, "threshold": 0.9, "extra": true,
	})
	require.NoError(t, err)
	assert.Equal(t, TakeScreenshot{Name: "shot", Width: 640, Height: 480, Threshold: 0.9}, req)

	req, err = NewRequest(KindTestPlan, map[string]any{"tests": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, TestPlan{Tests: []string{"a", "b"}}, req)
}

func TestNewRequestUnknownKind(t *testing.T) {
	_, err := NewRequest("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestGenericUsesWireNames(t *testing.T) {
	v, err := Generic(TextureSize{Width: 2, Height: 3})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, m["width"])
	assert.EqualValues(t, 3, m["height"])

	v, err = Generic(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}
