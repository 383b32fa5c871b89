package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func persistStore(t *testing.T, dir string) *Store {
	t.Helper()
	return New(filepath.Join(dir, "config.cbor"), filepath.Join(dir, "config.cbor~"),
		"test", NewData(2, 4, 2, 4), newRecordingReporter(), nil, zerolog.Nop())
}

func populate(s *Store) {
	s.SetAddresses("00010203")
	s.SetGroupAddresses("a", "0001")
	s.SetGroupAddresses("b", "0203")
	s.SetPresetLevel("x", "0,1", 200)
	s.SetPresetLevel("x", "2,3", 100)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	s := persistStore(t, dir)
	populate(s)
	s.SaveNow()

	expected := s.Snapshot()

	reloaded := persistStore(t, dir)
	reloaded.Load()
	require.True(t, expected.Equal(reloaded.Snapshot()))
}

func TestBackupRecovery(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.cbor")

	s := persistStore(t, dir)
	populate(s)
	s.SaveNow()
	expected := s.Snapshot()

	// Truncate the primary file; the backup must take over and the
	// primary is rewritten from it.
	raw, err := os.ReadFile(primary)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(primary, raw[:len(raw)/2], 0o644))

	reloaded := persistStore(t, dir)
	reloaded.Load()
	require.True(t, expected.Equal(reloaded.Snapshot()))

	// Primary has been restored to a parseable state.
	restored, err := os.ReadFile(primary)
	require.NoError(t, err)
	_, err = UnmarshalData(restored, NewData(2, 4, 2, 4))
	require.NoError(t, err)
}

func TestBothFilesUnreadable(t *testing.T) {
	dir := t.TempDir()

	s := persistStore(t, dir)
	s.Load()

	// Defaults stay in place.
	require.True(t, s.Snapshot().Equal(NewData(2, 4, 2, 4)))
}

func TestGroupIDsPreservedAcrossReload(t *testing.T) {
	dir := t.TempDir()

	s := persistStore(t, dir)
	s.SetGroupAddresses("a", "0001")
	s.SetGroupAddresses("b", "0203")
	s.DeleteGroup("a")
	s.SetGroupAddresses("c", "04")
	s.SaveNow()

	b, _ := s.Group("b")
	c, _ := s.Group("c")

	reloaded := persistStore(t, dir)
	reloaded.Load()

	rb, ok := reloaded.Group("b")
	require.True(t, ok)
	require.Equal(t, b.ID, rb.ID, "explicitly assigned ids survive reload")
	rc, ok := reloaded.Group("c")
	require.True(t, ok)
	require.Equal(t, c.ID, rc.ID)
}
