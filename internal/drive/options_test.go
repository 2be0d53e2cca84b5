package drive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWalk_SharesListings(t *testing.T) {
	tr := newFakeTree()
	tr.add("root", dir("tv", "TV"))
	tr.add("tv", dir("s1", "Show"), dir("s2", "Other"))

	got, err := ResolveWalk(context.Background(), tr.list, "root", []string{"/TV/Show", "TV/Other/", "/TV/Missing", "/"})
	require.NoError(t, err)

	assert.Equal(t, []PathID{
		{Path: "/TV/Show", ID: "s1"},
		{Path: "/TV/Other", ID: "s2"},
		{Path: "/TV/Missing", ID: ""},
		{Path: "/", ID: "root"},
	}, got)
	assert.Equal(t, 1, tr.calls["root"])
	assert.Equal(t, 1, tr.calls["tv"])
}

func TestResolveWalk_FileLeaf(t *testing.T) {
	tr := newFakeTree()
	tr.add("root", dir("tv", "TV"))
	tr.add("tv", file("ep", "ep01.mkv"))

	got, err := ResolveWalk(context.Background(), tr.list, "root", []string{"/TV/ep01.mkv", "/TV/ep01.mkv/x"})
	require.NoError(t, err)

	assert.Equal(t, []PathID{
		{Path: "/TV/ep01.mkv", ID: "ep"},
		{Path: "/TV/ep01.mkv/x", ID: ""},
	}, got)
}

func TestMakeWalk_CreatesMissingSegments(t *testing.T) {
	tr := newFakeTree()
	tr.add("root", dir("tv", "TV"))

	var created []string

	n, err := MakeWalk(context.Background(), tr.list, "root", "/TV/Show/S01",
		func(_ context.Context, parent, name string) (Node, error) {
			id := parent + "/" + name
			created = append(created, id)
			tr.add(parent, dir(id, name))

			return Node{ID: id, Name: name}, nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"tv/Show", "tv/Show/S01"}, created)
	assert.Equal(t, "tv/Show/S01", n.ID)
	assert.True(t, n.IsContainer)
	assert.Equal(t, "tv/Show", n.ParentID)
}

func TestMemoList_PropagatesErrors(t *testing.T) {
	tr := newFakeTree()
	tr.errs["x"] = NewError(KindNotFound, "gone")

	list := MemoList(tr.list)

	_, err := list(context.Background(), "x")
	require.Error(t, err)
	_, err = list(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 2, tr.calls["x"], "failures are not cached")
}
