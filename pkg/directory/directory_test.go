package directory

import (
	"testing"

	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDirectoryIsTargetValid(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tests := []struct {
		name string
		host *types.Host
		want bool
	}{
		{"approved and active", &types.Host{ID: "h1", Approved: true, Active: true}, true},
		{"not approved", &types.Host{ID: "h2", Approved: false, Active: true}, false},
		{"not active", &types.Host{ID: "h3", Approved: true, Active: false}, false},
	}

	dir := NewStoreDirectory(store)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.CreateHost(tt.host))
			valid, err := dir.IsTargetValid(tt.host.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, valid)
		})
	}

	t.Run("unknown host", func(t *testing.T) {
		valid, err := dir.IsTargetValid("missing")
		require.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestStoreDirectoryListChildren(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateHost(&types.Host{ID: "parent", Approved: true, Active: true}))
	require.NoError(t, store.CreateHost(&types.Host{ID: "c1", ParentID: "parent", Running: true}))
	require.NoError(t, store.CreateHost(&types.Host{ID: "c2", ParentID: "parent", Running: false}))
	require.NoError(t, store.CreateHost(&types.Host{ID: "unrelated"}))

	dir := NewStoreDirectory(store)
	children, err := dir.ListChildren("parent")
	require.NoError(t, err)
	require.Len(t, children, 2)

	running := map[string]bool{}
	for _, c := range children {
		running[c.ChildID] = c.Running
	}
	assert.True(t, running["c1"])
	assert.False(t, running["c2"])

	_, err = dir.ListChildren("missing")
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestMemoryDirectory(t *testing.T) {
	dir := NewMemory()
	dir.AddHost(&types.Host{ID: "parent", Approved: true, Active: true})
	dir.AddHost(&types.Host{ID: "c1", ParentID: "parent", Running: true})

	valid, err := dir.IsTargetValid("parent")
	require.NoError(t, err)
	assert.True(t, valid)

	children, err := dir.ListChildren("parent")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	dir.RemoveHost("parent")
	valid, err = dir.IsTargetValid("parent")
	require.NoError(t, err)
	assert.False(t, valid)
}
