package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name             string
		desired, current []string
		toAdd, toRemove  []string
	}{
		{"in sync", []string{"alice", "bob"}, []string{"bob", "alice"}, nil, nil},
		{"add and remove", []string{"alice", "bob"}, []string{"bob", "carol"}, []string{"alice"}, []string{"carol"}},
		{"empty desired", nil, []string{"bob", "alice"}, nil, []string{"alice", "bob"}},
		{"duplicates collapse", []string{"bob", "bob", "alice"}, nil, []string{"alice", "bob"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toAdd, toRemove := Diff(tt.desired, tt.current)
			assert.Equal(t, tt.toAdd, toAdd)
			assert.Equal(t, tt.toRemove, toRemove)
		})
	}
}

func TestDiffSets_IDs(t *testing.T) {
	toAdd, toRemove := diffSets([]int64{3, 1, 2}, []int64{2, 4})
	assert.Equal(t, []int64{1, 3}, toAdd)
	assert.Equal(t, []int64{4}, toRemove)
}
