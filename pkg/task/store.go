package task

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed schema.sql
var schemaSQL string

//go:embed schema_batch.sql
var schemaBatchSQL string

// sqlStore is the durable backend shared by the persistent and batched
// managers: a local SQLite file holding intermediate map output, final
// reduce output, and the mirrored job phase. All writes go through this
// one handle; the reduce iterator streams on its own cursor.
type sqlStore struct {
	db      *gorm.DB
	batched bool
}

// openStore opens (or creates) the store file. WAL journaling keeps the
// streaming reduce reader usable while result writes land.
func openStore(path string, batched bool) (*sqlStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("task: open store %s: %w", path, err)
	}
	return &sqlStore{db: db, batched: batched}, nil
}

// applySchema loads the embedded schema script, dropping any previous
// job's tables. Never called on resume.
func (s *sqlStore) applySchema() error {
	script := schemaSQL
	if s.batched {
		script = schemaBatchSQL
	}
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("task: apply schema: %w", err)
		}
	}
	return nil
}

// readPhase returns the mirrored phase, or ok=false when the state
// table is empty or missing.
func (s *sqlStore) readPhase() (Phase, bool, error) {
	var tables int64
	if err := s.db.Table("sqlite_master").
		Where("type = ? AND name = ?", "table", "state").
		Count(&tables).Error; err != nil {
		return PhaseStart, false, fmt.Errorf("task: inspect schema: %w", err)
	}
	if tables == 0 {
		return PhaseStart, false, nil
	}

	var states []int
	if err := s.db.Table("state").Pluck("current_state", &states).Error; err != nil {
		return PhaseStart, false, fmt.Errorf("task: read state: %w", err)
	}
	if len(states) == 0 {
		return PhaseStart, false, nil
	}
	return Phase(states[0]), true, nil
}

// setPhase mirrors a phase transition into the store.
func (s *sqlStore) setPhase(p Phase) error {
	if err := s.db.Table("state").Where("1 = 1").Update("current_state", int(p)).Error; err != nil {
		return fmt.Errorf("task: mirror phase: %w", err)
	}
	return nil
}

// insertMapValue appends one intermediate value under the JSON-encoded
// grouping key.
func (s *sqlStore) insertMapValue(jsonKey string, value []byte, depth int) error {
	row := map[string]any{"key": jsonKey, "value": value}
	if s.batched {
		row["depth"] = depth
	}
	if err := s.db.Table("map_results").Create(row).Error; err != nil {
		return fmt.Errorf("task: insert map result: %w", err)
	}
	return nil
}

// insertReduceResult stores one final result.
func (s *sqlStore) insertReduceResult(jsonKey string, value []byte) error {
	row := map[string]any{"key": jsonKey, "value": value}
	if err := s.db.Table("reduce_results").Create(row).Error; err != nil {
		return fmt.Errorf("task: insert reduce result: %w", err)
	}
	return nil
}

// mapRows opens a streaming cursor over the intermediate store ordered
// by key, so equal keys arrive consecutively. In batched mode only the
// given depth is read. The cursor is independent of the write handle;
// reduce-result writes while it is open do not disturb it.
func (s *sqlStore) mapRows(depth int) (*rowIter, error) {
	q := s.db.Table("map_results").Select("key, value").Order("key asc")
	if s.batched {
		q = q.Where("depth = ?", depth)
	}
	rows, err := q.Rows()
	if err != nil {
		return nil, fmt.Errorf("task: open reduce cursor: %w", err)
	}
	return &rowIter{rows: rows}, nil
}

// reduceRows reads the final results ordered by key ascending.
func (s *sqlStore) reduceRows() (*rowIter, error) {
	rows, err := s.db.Table("reduce_results").Select("key, value").Order("key asc").Rows()
	if err != nil {
		return nil, fmt.Errorf("task: open results cursor: %w", err)
	}
	return &rowIter{rows: rows}, nil
}

// finalizedKeys returns the JSON-encoded keys already present in
// reduce_results, so a resumed reduce phase does not redo them.
func (s *sqlStore) finalizedKeys() (map[string]struct{}, error) {
	var keys []string
	if err := s.db.Table("reduce_results").Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("task: read finalized keys: %w", err)
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

// clearMapResults empties the intermediate store (resume restarting the
// map phase).
func (s *sqlStore) clearMapResults() error {
	if err := s.db.Exec("DELETE FROM map_results").Error; err != nil {
		return fmt.Errorf("task: clear map results: %w", err)
	}
	return nil
}

// clearAboveDepth removes intermediate rows of later reduce rounds and
// all final results (batched resume restarting the reduce phase at
// depth zero).
func (s *sqlStore) clearAboveDepth() error {
	if err := s.db.Exec("DELETE FROM map_results WHERE depth > 0").Error; err != nil {
		return fmt.Errorf("task: clear partial rounds: %w", err)
	}
	if err := s.db.Exec("DELETE FROM reduce_results").Error; err != nil {
		return fmt.Errorf("task: clear reduce results: %w", err)
	}
	return nil
}

// close releases the underlying database handle.
func (s *sqlStore) close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
