package memory

import (
	"io"
	"io/fs"
	"sort"
	"testing"

	"github.com/kochman/veprom"
	"github.com/stretchr/testify/require"
)

func TestBackend_Lifecycle(t *testing.T) {
	b := NewBackend()

	var _ veprom.Backend = b
	var _ veprom.Replacer = b

	h, err := b.New("one")
	require.NoError(t, err)

	size, err := h.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	// gaps are zero filled
	require.NoError(t, h.WriteAt([]byte("xy"), 3))
	p := make([]byte, 5)
	require.NoError(t, h.ReadAt(p, 0))
	require.Equal(t, []byte{0, 0, 0, 'x', 'y'}, p)

	err = h.ReadAt(make([]byte, 3), 4)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	require.NoError(t, h.Close())
	require.ErrorIs(t, h.ReadAt(p, 0), fs.ErrClosed)

	_, err = b.New("one")
	require.ErrorIs(t, err, veprom.ErrStoreExists)

	_, err = b.Open("two")
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = b.New("two")
	require.NoError(t, err)
	ids, err := b.List()
	require.NoError(t, err)
	sort.Strings(ids)
	require.Equal(t, []string{"one", "two"}, ids)
}

func TestBackend_Context(t *testing.T) {
	b := NewBackend()

	_, err := b.LoadContext()
	require.ErrorIs(t, err, fs.ErrNotExist)

	src := []byte("veprom_3")
	require.NoError(t, b.SaveContext(src))
	src[0] = 'X'

	p, err := b.LoadContext()
	require.NoError(t, err)
	require.Equal(t, "veprom_3", string(p))
}

func TestBackend_Replace(t *testing.T) {
	b := NewBackend()

	h, err := b.New("s")
	require.NoError(t, err)
	require.NoError(t, h.WriteAt([]byte("old"), 0))

	require.NoError(t, b.Replace("s", []byte("new")))

	// an already open handle sees the replaced content
	p := make([]byte, 3)
	require.NoError(t, h.ReadAt(p, 0))
	require.Equal(t, "new", string(p))
}
