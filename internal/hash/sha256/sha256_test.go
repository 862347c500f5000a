package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, Digest([]byte("hello world")))
}

func TestSame(t *testing.T) {
	t.Parallel()

	require.True(t, Same([]byte("<html></html>"), []byte("<html></html>")))
	require.False(t, Same([]byte("<html></html>"), []byte("<html> </html>")))
	require.True(t, Same(nil, []byte{}))
}
