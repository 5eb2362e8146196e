package objstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/stackmodel"
)

func TestParseRawDiff_AddModifyDelete(t *testing.T) {
	raw := ":000000 100644 " + ZeroBlobForTest + " aaaa111111111111111111111111111111111a A\x00new.txt\x00" +
		":100644 100644 bbbb222222222222222222222222222222222b cccc333333333333333333333333333333333c M\x00mod.txt\x00" +
		":100644 000000 dddd444444444444444444444444444444444d " + ZeroBlobForTest + " D\x00gone.txt\x00"

	changes, err := parseRawDiff([]byte(raw))
	require.NoError(t, err)
	require.Len(t, changes, 3)

	require.Equal(t, stackmodel.StatusAdded, changes[0].Status)
	require.Equal(t, "new.txt", changes[0].Path)
	require.Equal(t, stackmodel.StatusModified, changes[1].Status)
	require.Equal(t, "mod.txt", changes[1].Path)
	require.Equal(t, stackmodel.StatusDeleted, changes[2].Status)
	require.Equal(t, "gone.txt", changes[2].Path)
}

func TestParseRawDiff_Rename(t *testing.T) {
	raw := ":100644 100644 aaaa111111111111111111111111111111111a aaaa111111111111111111111111111111111a R100\x00old/path.go\x00new/path.go\x00"

	changes, err := parseRawDiff([]byte(raw))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, stackmodel.StatusRenamed, changes[0].Status)
	require.Equal(t, "old/path.go", changes[0].OldPath)
	require.Equal(t, "new/path.go", changes[0].Path)
}

func TestParseRawDiff_Copy_ModeledAsAdd(t *testing.T) {
	raw := ":100644 100644 aaaa111111111111111111111111111111111a aaaa111111111111111111111111111111111a C100\x00src.go\x00dup.go\x00"

	changes, err := parseRawDiff([]byte(raw))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, stackmodel.StatusAdded, changes[0].Status)
	require.Equal(t, "", changes[0].OldPath)
	require.Equal(t, "dup.go", changes[0].Path)
}

func TestParseRawDiff_Empty(t *testing.T) {
	changes, err := parseRawDiff([]byte{})
	require.NoError(t, err)
	require.Empty(t, changes)
}

// ZeroBlobForTest mirrors stackmodel.ZeroHash for readability in raw-diff
// fixtures above.
const ZeroBlobForTest = stackmodel.ZeroHash
