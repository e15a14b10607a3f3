package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer[int]()
	r.Insert(1)
	r.Insert(2)
	r.Insert(3)
	require.Equal(t, 3, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = r.Victim()
	require.False(t, ok)
	require.Equal(t, 0, r.Size())
}

func TestLRUReplacer_TouchMovesToFront(t *testing.T) {
	r := NewLRUReplacer[int]()
	r.Insert(1)
	r.Insert(2)
	r.Insert(1) // 1 becomes MRU again
	require.Equal(t, 2, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestLRUReplacer_Erase(t *testing.T) {
	r := NewLRUReplacer[int]()
	r.Insert(1)
	r.Insert(2)

	require.True(t, r.Erase(1))
	require.False(t, r.Erase(1))
	require.Equal(t, 1, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)
}
