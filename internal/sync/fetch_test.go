package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HighEncryption/Blueshift/internal/catalog"
	"github.com/HighEncryption/Blueshift/internal/graph"
)

func TestPendingChangeFromItem(t *testing.T) {
	change, err := pendingChangeFromItem(&graph.Item{
		ID:       "f1",
		Name:     "report.pdf",
		ETag:     "e1",
		CTag:     "c1",
		ParentID: "p1",
		Size:     42,
		SHA1Hash: "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D",
		IsFile:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.ItemTypeFile, change.ItemType)
	assert.Equal(t, "f1", change.RemoteID)
	assert.Equal(t, "p1", change.ParentID)
	assert.Equal(t, int64(42), change.Size)
	assert.Empty(t, change.SpecialFolder)
}

func TestPendingChangeFromItem_Root(t *testing.T) {
	change, err := pendingChangeFromItem(&graph.Item{
		ID:       "r1",
		Name:     "root",
		IsFolder: true,
		IsRoot:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.ItemTypeFolder, change.ItemType)
	assert.Equal(t, "root", change.SpecialFolder)
}

func TestPendingChangeFromItem_SpecialFolder(t *testing.T) {
	change, err := pendingChangeFromItem(&graph.Item{
		ID:            "v1",
		Name:          "Personal Vault",
		IsFolder:      true,
		SpecialFolder: "vault",
	})
	require.NoError(t, err)

	assert.Equal(t, "vault", change.SpecialFolder)
}

func TestPendingChangeFromItem_PackageBehavesAsFolder(t *testing.T) {
	// Notebook packages carry neither a file nor a folder facet.
	change, err := pendingChangeFromItem(&graph.Item{
		ID:          "n1",
		Name:        "Notebook",
		PackageType: "oneNote",
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.ItemTypeFolder, change.ItemType)
}

func TestPendingChangeFromItem_Undetermined(t *testing.T) {
	_, err := pendingChangeFromItem(&graph.Item{ID: "x1", Name: "mystery"})
	assert.ErrorIs(t, err, ErrUndeterminedItemType)
}
