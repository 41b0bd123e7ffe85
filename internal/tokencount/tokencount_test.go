package tokencount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCount_NonEmptyTextProducesPositiveCount(t *testing.T) {
	n, err := Count("The quick brown fox jumps over the lazy dog.")
	require.NoError(t, err)
	require.Greater(t, n, 0)
}

func TestCount_EmptyTextIsZero(t *testing.T) {
	n, err := Count("")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCountMany_SumsAcrossStrings(t *testing.T) {
	single, err := Count("hello world")
	require.NoError(t, err)

	total, err := CountMany([]string{"hello world", "hello world"})
	require.NoError(t, err)
	require.Equal(t, 2*single, total)
}
