package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(second, "p_token.so"), []byte{0x7f, 'E', 'L', 'F'}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(first, "stub.so"), []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "stub.so"), []byte("second"), 0o644))
	// A directory with the right name must be skipped.
	require.NoError(t, os.Mkdir(filepath.Join(first, "p_token.so"), 0o755))

	loader := NewLoader(first, second)
	{
		data, err := loader.Load("p_token")
		require.NoError(t, err)
		require.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, data)
	}
	{
		// First directory wins.
		data, err := loader.Load("stub")
		require.NoError(t, err)
		require.Equal(t, []byte("first"), data)
	}
	{
		_, err := loader.Load("missing")
		require.ErrorIs(t, err, ErrNotFound)
		require.Contains(t, err.Error(), "missing.so")
	}
}
