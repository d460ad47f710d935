package escpos

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCut(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]byte{0x1B, 0x64, 0x03, 0x1D, 0x56, 0x00, 0x1B, 0x69, 0x1B, 0x64, 0x02},
		Cut(CutFull, 3))
	require.Equal(t,
		[]byte{0x1B, 0x64, 0x03, 0x1D, 0x56, 0x01, 0x1B, 0x64, 0x05},
		Cut(CutPartial, 3))
}

func TestBeepClampsArguments(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte{0x1B, 0x42, 4, 6}, Beep(4, 6))
	require.Equal(t, []byte{0x1B, 0x42, 1, 9}, Beep(0, 30))
}

func TestParseCutMode(t *testing.T) {
	t.Parallel()

	require.Equal(t, CutFull, ParseCutMode("full"))
	require.Equal(t, CutPartial, ParseCutMode("partial"))
	require.Equal(t, CutPartial, ParseCutMode(""))
}

func TestWriteCutFiles(t *testing.T) {
	t.Parallel()

	paths, err := WriteCutFiles(t.TempDir(), 3)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	full, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, Cut(CutFull, 3), full)

	partial, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	require.Equal(t, Cut(CutPartial, 3), partial)
}
