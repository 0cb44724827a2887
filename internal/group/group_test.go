package group

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTempDirectory(t *testing.T) *FileDirectory {
	t.Helper()
	d, err := OpenDirectory(filepath.Join(t.TempDir(), "groups"))
	require.NoError(t, err)
	return d
}

func TestAddMessageCreatesGroup(t *testing.T) {
	d := openTempDirectory(t)

	hash, err := d.AddMessage("abc123", "CS342", []string{"alice", "bob"}, Message{
		From:      "alice",
		Timestamp: "04/04/2016 - 12:24:02",
		Message:   "Hey!",
	})
	require.NoError(t, err)
	require.Equal(t, "abc123", hash)

	groups, err := d.Groups("bob")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "CS342", groups[0].Name)
	require.Equal(t, []string{"alice", "bob"}, groups[0].Users)
	require.Len(t, groups[0].Messages, 1)
	require.Equal(t, "Hey!", groups[0].Messages[0].Message)
}

func TestAddMessageAppendsToExistingGroup(t *testing.T) {
	d := openTempDirectory(t)

	_, err := d.AddMessage("g1", "CS342", []string{"alice"}, Message{From: "alice", Message: "first"})
	require.NoError(t, err)
	_, err = d.AddMessage("g1", "CS342", []string{"alice"}, Message{From: "alice", Message: "second"})
	require.NoError(t, err)

	groups, err := d.Groups("alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Messages, 2)
	require.Equal(t, "second", groups[0].Messages[1].Message)
}

func TestAddMessageAssignsHashWhenMissing(t *testing.T) {
	d := openTempDirectory(t)

	hash, err := d.AddMessage("", "adhoc", []string{"alice"}, Message{From: "alice", Message: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	groups, err := d.Groups("alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, hash, groups[0].Hash)
}

func TestGroupsFiltersByMembership(t *testing.T) {
	d := openTempDirectory(t)

	_, err := d.AddMessage("g1", "team-a", []string{"alice", "bob"}, Message{From: "alice", Message: "a"})
	require.NoError(t, err)
	_, err = d.AddMessage("g2", "team-b", []string{"carol"}, Message{From: "carol", Message: "b"})
	require.NoError(t, err)

	groups, err := d.Groups("Alice")
	require.NoError(t, err)
	require.Len(t, groups, 1, "membership comparison is case-insensitive")
	require.Equal(t, "team-a", groups[0].Name)
}

func TestGroupsAlwaysIncludesEverybody(t *testing.T) {
	d := openTempDirectory(t)

	_, err := d.AddMessage("0", EverybodyGroup, []string{"alice"}, Message{From: "alice", Message: "hi all"})
	require.NoError(t, err)

	groups, err := d.Groups("bob")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, EverybodyGroup, groups[0].Name)
}

func TestGroupsDeterministicOrder(t *testing.T) {
	d := openTempDirectory(t)

	for _, hash := range []string{"c", "a", "b"} {
		_, err := d.AddMessage(hash, "g-"+hash, []string{"alice"}, Message{From: "alice", Message: "x"})
		require.NoError(t, err)
	}

	groups, err := d.Groups("alice")
	require.NoError(t, err)
	require.Len(t, groups, 3)
	require.Equal(t, "a", groups[0].Hash)
	require.Equal(t, "b", groups[1].Hash)
	require.Equal(t, "c", groups[2].Hash)
}

func TestGroupsEmptyDirectory(t *testing.T) {
	d := openTempDirectory(t)

	groups, err := d.Groups("alice")
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestAddMessageRejectsPathEscapingHash(t *testing.T) {
	d := openTempDirectory(t)

	_, err := d.AddMessage("../escape", "bad", []string{"alice"}, Message{From: "alice", Message: "x"})
	require.Error(t, err)
}

func TestGroupsRejectsCorruptFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "groups")
	d, err := OpenDirectory(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))

	_, err = d.Groups("alice")
	require.Error(t, err)
}
