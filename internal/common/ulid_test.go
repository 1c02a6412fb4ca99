package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewULID_SortableAndUnique(t *testing.T) {
	seen := make(map[string]struct{})
	prev := ""
	for i := 0; i < 1000; i++ {
		id, err := NewULID()
		require.NoError(t, err)
		require.Len(t, id, 26)
		require.Greater(t, id, prev)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		prev = id
	}
}
