// Package shiptypes seeds the inventory-type cache from CSV exports at
// startup, so enrichment rarely needs live type lookups. Seeding failures are
// advisory: the resolver falls back to the upstream for anything missing.
package shiptypes

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wandererkills/pkg/config"
	"wandererkills/pkg/errs"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/store"
)

// Record is one parsed row of a type export.
type Record struct {
	TypeID    int64
	TypeName  string
	GroupID   int64
	GroupName string
}

// Stats summarizes a seeding pass.
type Stats struct {
	Files        int
	TypesSeeded  int
	GroupsSeeded int
	RowsSkipped  int
}

// Seed loads every *.csv file in the configured directory into the store's
// type and group namespaces. Returns stats plus the first hard error (a
// missing directory or unreadable file); malformed rows are skipped and
// counted, never fatal.
func Seed(st *store.Store) (Stats, error) {
	dir := config.GetEnv("SHIP_TYPES_DIR", "data/ship_types")
	return SeedDir(st, dir)
}

// SeedDir is Seed with an explicit directory.
func SeedDir(st *store.Store, dir string) (Stats, error) {
	var stats Stats

	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return stats, errs.Wrap(errs.Internal, "failed to scan ship type directory", err)
	}
	if len(paths) == 0 {
		return stats, errs.Newf(errs.NotFound, "no ship type CSV files in %s", dir)
	}

	groups := make(map[int64]string)
	for _, path := range paths {
		records, skipped, err := loadFile(path)
		if err != nil {
			return stats, err
		}
		stats.Files++
		stats.RowsSkipped += skipped
		for _, rec := range records {
			st.Put(store.NSType, store.Key(rec.TypeID), &esi.Type{
				TypeID:  rec.TypeID,
				Name:    rec.TypeName,
				GroupID: rec.GroupID,
			})
			stats.TypesSeeded++
			if rec.GroupName != "" {
				groups[rec.GroupID] = rec.GroupName
			}
		}
	}

	for groupID, name := range groups {
		st.Put(store.NSGroup, store.Key(groupID), &esi.Group{
			GroupID: groupID,
			Name:    name,
		})
		stats.GroupsSeeded++
	}

	slog.Info("Ship type cache seeded",
		"files", stats.Files,
		"types", stats.TypesSeeded,
		"groups", stats.GroupsSeeded,
		"skipped", stats.RowsSkipped)
	return stats, nil
}

// loadFile parses one CSV export. Expected columns are type_id, type_name,
// group_id with an optional group_name; a header row is detected and skipped.
func loadFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Internal, "failed to open ship type file", err).
			WithContext("path", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var records []Record
	skipped := 0
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if first {
			first = false
			if isHeader(row) {
				continue
			}
		}
		rec, ok := parseRow(row)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	return err != nil
}

func parseRow(row []string) (Record, bool) {
	if len(row) < 3 {
		return Record{}, false
	}
	typeID, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil || typeID <= 0 {
		return Record{}, false
	}
	name := strings.TrimSpace(row[1])
	if name == "" {
		return Record{}, false
	}
	groupID, err := strconv.ParseInt(strings.TrimSpace(row[2]), 10, 64)
	if err != nil || groupID <= 0 {
		return Record{}, false
	}
	rec := Record{TypeID: typeID, TypeName: name, GroupID: groupID}
	if len(row) > 3 {
		rec.GroupName = strings.TrimSpace(row[3])
	}
	return rec, true
}
