package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	st := State{
		NodeID:       "node-1",
		Token:        "tok-1",
		OverlayIP:    "10.10.0.2",
		HubPublicKey: "hub-pk",
		HubEndpoint:  "hub.example:51820",
		AppliedHash:  "h1",
	}
	require.NoError(t, st.Save(dir))

	info, err := os.Stat(filepath.Join(dir, stateFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "state carries the bearer token")

	got, err := LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, st.NodeID, got.NodeID)
	assert.Equal(t, st.Token, got.Token)
	assert.Equal(t, st.AppliedHash, got.AppliedHash)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.True(t, got.Enrolled())
}

func TestLoadStateMissingFileIsFreshInstall(t *testing.T) {
	got, err := LoadState(t.TempDir())
	require.NoError(t, err)
	assert.False(t, got.Enrolled())
	assert.Empty(t, got.NodeID)
}

func TestLoadStateRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{not json"), 0o600))

	_, err := LoadState(dir)
	assert.ErrorContains(t, err, "corrupt")
}

func TestWriteDump(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteDump(dir, map[string]string{"reason": "version conflict"})
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "dump-")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "version conflict")
}
