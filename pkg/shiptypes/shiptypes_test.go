package shiptypes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandererkills/pkg/errs"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/store"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSeedDirLoadsTypesAndGroups(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "frigates.csv",
		"type_id,type_name,group_id,group_name\n"+
			"587,Rifter,25,Frigate\n"+
			"588,Reaper,237,Corvette\n")

	st := store.New()
	stats, err := SeedDir(st, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 2, stats.TypesSeeded)
	assert.Equal(t, 2, stats.GroupsSeeded)
	assert.Equal(t, 0, stats.RowsSkipped)

	v, err := st.Get(store.NSType, store.Key(587))
	require.NoError(t, err)
	typ := v.(*esi.Type)
	assert.Equal(t, "Rifter", typ.Name)
	assert.Equal(t, int64(25), typ.GroupID)

	v, err = st.Get(store.NSGroup, store.Key(25))
	require.NoError(t, err)
	assert.Equal(t, "Frigate", v.(*esi.Group).Name)
}

func TestSeedDirSkipsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "mixed.csv",
		"587,Rifter,25\n"+
			"not-a-number,Broken,25\n"+
			"589,,25\n"+
			"590,Breacher\n"+
			"591,Tormentor,25\n")

	st := store.New()
	stats, err := SeedDir(st, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TypesSeeded)
	assert.Equal(t, 3, stats.RowsSkipped)
}

func TestSeedDirWithoutFilesIsNotFound(t *testing.T) {
	st := store.New()
	_, err := SeedDir(st, t.TempDir())
	assert.True(t, errs.IsNotFound(err))
}

func TestSeedDirMergesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "a.csv", "587,Rifter,25,Frigate\n")
	writeCSV(t, dir, "b.csv", "24698,Drake,419,Battlecruiser\n")

	st := store.New()
	stats, err := SeedDir(st, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.TypesSeeded)
	assert.True(t, st.Exists(store.NSType, store.Key(24698)))
}
