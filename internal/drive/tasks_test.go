package drive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncTasks_RecordAndLookup(t *testing.T) {
	var tasks SyncTasks

	id := tasks.Record([]string{"n1", "n2"})
	require.NotEmpty(t, id)

	st, ok := tasks.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, TaskDone, st.State)
	assert.Equal(t, []string{"n1", "n2"}, st.SavedIDs)

	_, ok = tasks.Lookup("unknown")
	assert.False(t, ok)
}

func TestSyncTasks_Bounded(t *testing.T) {
	var tasks SyncTasks

	first := tasks.Record(nil)
	for range maxSyncTasks {
		tasks.Record(nil)
	}

	_, ok := tasks.Lookup(first)
	assert.False(t, ok, "oldest result evicted")
}

func TestAdded(t *testing.T) {
	before := []Node{{ID: "1"}, {ID: "2"}}
	after := []Node{{ID: "1"}, {ID: "3", Name: "new"}, {ID: "2"}, {ID: "4"}}

	added := Added(before, after)
	assert.Equal(t, []string{"3", "4"}, IDs(added))
}

func TestAlignAdded_ByName(t *testing.T) {
	added := []Node{{ID: "new-b", Name: "b.mkv"}, {ID: "new-a", Name: "a.mkv"}}

	saved, missing := AlignAdded([]string{"a", "b", "c"}, []string{"a.mkv", "b.mkv", "c.mkv"}, added)

	assert.Equal(t, []string{"new-a", "new-b", ""}, saved)
	require.Len(t, missing, 1)
	assert.Equal(t, "c", missing[0].ID)
}

func TestAlignAdded_WithoutNames(t *testing.T) {
	added := []Node{{ID: "n1", Name: "x"}}

	saved, missing := AlignAdded([]string{"a", "b"}, nil, added)

	assert.Equal(t, []string{"n1", ""}, saved)
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].ID)
}
