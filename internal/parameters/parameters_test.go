package parameters

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("embedding_dim=64, residual ,dropout=0.5,,path=a=b")
	assert.Equal(t, Params{
		"embedding_dim": "64",
		"residual":      "",
		"dropout":       "0.5",
		"path":          "a=b",
	}, params)
	assert.Len(t, NewFromConfigString(""), 0)
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("embedding_dim=64,residual,dropout=0.5,name=cnn")

	dim, err := PopParamOr(params, "embedding_dim", 300)
	require.NoError(t, err)
	assert.Equal(t, 64, dim)

	residual, err := PopParamOr(params, "residual", false)
	require.NoError(t, err)
	assert.True(t, residual)

	dropout, err := PopParamOr(params, "dropout", float32(0.1))
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), dropout)

	missing, err := PopParamOr(params, "num_layers", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, missing)

	// "name" is left over.
	err = params.Unused()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")

	_, err = PopParamOr(params, "name", "")
	require.NoError(t, err)
	require.NoError(t, params.Unused())
}

func TestGetParamOrErrors(t *testing.T) {
	params := NewFromConfigString("num_layers=two,residual=maybe")
	_, err := GetParamOr(params, "num_layers", 1)
	require.Error(t, err)
	_, err = GetParamOr(params, "residual", false)
	require.Error(t, err)

	// Failed parsing doesn't consume the parameter.
	_, err = PopParamOr(params, "num_layers", 1)
	require.Error(t, err)
	assert.Contains(t, params, "num_layers")
}
