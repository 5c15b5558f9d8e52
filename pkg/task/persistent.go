package task

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/datasource"
)

// Persistent is the durable task manager: intermediate and final
// results live in a local SQLite file and the phase is mirrored there
// on every transition, so a restarted coordinator can pick the job back
// up with resume=true.
//
// The outstanding sets stay in memory — they are assignment-tracking
// state, not job output. A resumed map phase therefore restarts from
// the first input (clearing its partial output first); a resumed reduce
// phase re-reads the committed map output, skipping keys whose final
// result already landed.
type Persistent struct {
	mu sync.Mutex

	phase Phase
	ds    datasource.Datasource
	store *sqlStore

	keys        []string
	nextKey     int
	workingMaps map[string][]byte

	reduceIter *rowIter
	finalized  map[string]struct{}
	// Outstanding reduces, keyed by the stored (JSON-encoded) grouping
	// key, which is also the wire form the worker echoes back.
	workingReduces map[string][]json.RawMessage

	dispatch *dispatchTracker

	done     chan struct{}
	doneOnce sync.Once
}

// NewPersistent opens the store at path. With resume=false any previous
// job's tables are replaced from the embedded schema; with resume=true
// the mirrored phase is loaded instead, and a store with no recorded
// state aborts with ErrResumeNoState.
func NewPersistent(ds datasource.Datasource, path string, resume bool) (*Persistent, error) {
	store, err := openStore(path, false)
	if err != nil {
		return nil, err
	}
	m := &Persistent{
		ds:       ds,
		store:    store,
		phase:    PhaseStart,
		dispatch: newDispatchTracker(),
		done:     make(chan struct{}),
	}
	if err := m.initPhase(resume); err != nil {
		_ = store.close()
		return nil, err
	}
	return m, nil
}

// initPhase applies the schema or loads the mirrored phase.
func (m *Persistent) initPhase(resume bool) error {
	if !resume {
		return m.store.applySchema()
	}
	phase, ok, err := m.store.readPhase()
	if err != nil {
		return err
	}
	if !ok {
		return ErrResumeNoState
	}
	m.phase = phase
	logger.Info("Resuming job", "phase", phase)
	if phase == PhaseFinished {
		m.finish()
	}
	return nil
}

// Phase reports the current phase.
func (m *Persistent) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Done is closed once the job finishes.
func (m *Persistent) Done() <-chan struct{} { return m.done }

// Close releases the reduce cursor and the store.
func (m *Persistent) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reduceIter.close()
	return m.store.close()
}

func (m *Persistent) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

// NextTask advances the phase machine and returns the next assignment.
func (m *Persistent) NextTask(sessionID string) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		switch m.phase {
		case PhaseStart:
			if err := m.initMapPhase(); err != nil {
				return nil, err
			}
			var err error
			if m.phase, err = m.phase.advanceTo(PhaseMapping); err != nil {
				return nil, err
			}
			if err := m.store.setPhase(m.phase); err != nil {
				return nil, err
			}
			logger.Info("Job started", "inputs", len(m.keys))

		case PhaseMapping:
			// A resumed map phase restarts: which inputs had completed
			// is not recoverable from output keyed by intermediate key.
			if m.workingMaps == nil {
				if err := m.initMapPhase(); err != nil {
					return nil, err
				}
				logger.Info("Restarting map phase after resume", "inputs", len(m.keys))
			}
			if a, ok, err := m.nextMap(sessionID); err != nil || ok {
				return a, err
			}
			var err error
			if m.phase, err = m.phase.advanceTo(PhaseReducing); err != nil {
				return nil, err
			}
			if err := m.store.setPhase(m.phase); err != nil {
				return nil, err
			}
			if err := m.openReducePhase(); err != nil {
				return nil, err
			}
			m.dispatch.reset()
			logger.Info("Map phase complete, reducing from store")

		case PhaseReducing:
			if m.reduceIter == nil {
				// Resumed directly into the reduce phase.
				if err := m.openReducePhase(); err != nil {
					return nil, err
				}
				logger.Info("Resuming reduce phase", "finalized", len(m.finalized))
			}
			a, ok, err := m.nextReduce(sessionID)
			if err != nil {
				return nil, err
			}
			if ok {
				return a, nil
			}
			if m.phase, err = m.phase.advanceTo(PhaseFinished); err != nil {
				return nil, err
			}
			if err := m.store.setPhase(m.phase); err != nil {
				return nil, err
			}
			m.reduceIter.close()
			m.reduceIter = nil
			m.finish()
			logger.Info("Reduce phase complete")

		case PhaseFinished:
			return disconnectAssignment, nil
		}
	}
}

// initMapPhase loads the input keys and empties any partial map output
// from an interrupted run.
func (m *Persistent) initMapPhase() error {
	if err := m.store.clearMapResults(); err != nil {
		return err
	}
	keys, err := m.ds.Keys()
	if err != nil {
		return fmt.Errorf("task: datasource keys: %w", err)
	}
	m.keys = keys
	m.nextKey = 0
	m.workingMaps = make(map[string][]byte)
	return nil
}

// openReducePhase opens the grouped cursor over the committed map
// output. Statements autocommit, so every mapdone row is visible here.
func (m *Persistent) openReducePhase() error {
	finalized, err := m.store.finalizedKeys()
	if err != nil {
		return err
	}
	iter, err := m.store.mapRows(0)
	if err != nil {
		return err
	}
	m.finalized = finalized
	m.reduceIter = iter
	m.workingReduces = make(map[string][]json.RawMessage)
	return nil
}

func (m *Persistent) nextMap(sessionID string) (*Assignment, bool, error) {
	if key, ok := m.dispatch.popReleased(func(k string) bool {
		_, outstanding := m.workingMaps[k]
		return outstanding
	}); ok {
		return m.mapAssignment(sessionID, key), true, nil
	}

	if m.nextKey < len(m.keys) {
		key := m.keys[m.nextKey]
		m.nextKey++
		value, err := m.ds.Read(key)
		if err != nil {
			return nil, false, fmt.Errorf("task: datasource read %q: %w", key, err)
		}
		m.workingMaps[key] = value
		return m.mapAssignment(sessionID, key), true, nil
	}

	if len(m.workingMaps) > 0 {
		key := randomKey(m.workingMaps)
		logger.Debug("Speculative map re-dispatch", "key", key)
		return m.mapAssignment(sessionID, key), true, nil
	}
	return nil, false, nil
}

func (m *Persistent) mapAssignment(sessionID, key string) *Assignment {
	m.dispatch.hold(sessionID, key)
	return &Assignment{
		Verb:    wire.VerbMap,
		Payload: &wire.MapAssignment{Key: key, Value: m.workingMaps[key]},
	}
}

// nextReduce pulls the next group from the cursor, skipping keys whose
// final result already landed (resume), then falls back to speculation.
func (m *Persistent) nextReduce(sessionID string) (*Assignment, bool, error) {
	if key, ok := m.dispatch.popReleased(func(k string) bool {
		_, outstanding := m.workingReduces[k]
		return outstanding
	}); ok {
		return m.reduceAssignment(sessionID, key), true, nil
	}

	for {
		storedKey, values, ok, err := m.reduceIter.nextGroup()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		if _, done := m.finalized[storedKey]; done {
			continue
		}
		m.workingReduces[storedKey] = values
		return m.reduceAssignment(sessionID, storedKey), true, nil
	}

	if len(m.workingReduces) > 0 {
		key := randomKey(m.workingReduces)
		logger.Debug("Speculative reduce re-dispatch", "key", key)
		return m.reduceAssignment(sessionID, key), true, nil
	}
	return nil, false, nil
}

func (m *Persistent) reduceAssignment(sessionID, storedKey string) *Assignment {
	m.dispatch.hold(sessionID, storedKey)
	return &Assignment{
		Verb: wire.VerbReduce,
		Payload: &wire.ReduceAssignment{
			Key:    json.RawMessage(storedKey),
			Values: m.workingReduces[storedKey],
		},
	}
}

// MapDone inserts one row per intermediate value under the
// JSON-encoded grouping key, if the input key is still outstanding.
func (m *Persistent) MapDone(sessionID string, res *wire.MapResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, outstanding := m.workingMaps[res.Key]; !outstanding {
		logger.Debug("Dropping late map result", "key", res.Key)
		return false, nil
	}
	for k, values := range res.Results {
		jsonKey := string(wire.PlainKey(k))
		for _, v := range values {
			if err := m.store.insertMapValue(jsonKey, v, 0); err != nil {
				return false, err
			}
		}
	}
	delete(m.workingMaps, res.Key)
	m.dispatch.release(sessionID, res.Key)
	return true, nil
}

// ReduceDone stores one final result if its key is still outstanding.
func (m *Persistent) ReduceDone(sessionID string, res *wire.ReduceResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	storedKey := string(res.Key)
	if _, outstanding := m.workingReduces[storedKey]; !outstanding {
		logger.Debug("Dropping late reduce result", "key", storedKey)
		return false, nil
	}
	if err := m.store.insertReduceResult(storedKey, res.Result); err != nil {
		return false, err
	}
	delete(m.workingReduces, storedKey)
	m.dispatch.release(sessionID, storedKey)
	return true, nil
}

// ReleaseSession requeues a disconnected session's outstanding keys.
func (m *Persistent) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch.releaseSession(sessionID)
}

// Results streams the final results ordered ascending by stored key.
func (m *Persistent) Results() ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseFinished {
		return nil, fmt.Errorf("task: results requested in phase %s", m.phase)
	}
	return readResults(m.store)
}

// readResults decodes the reduce_results table into Result records.
func readResults(store *sqlStore) ([]Result, error) {
	iter, err := store.reduceRows()
	if err != nil {
		return nil, err
	}
	defer iter.close()

	var out []Result
	for {
		row, err := iter.next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return out, nil
		}
		var key string
		if err := json.Unmarshal([]byte(row.key), &key); err != nil {
			return nil, fmt.Errorf("task: undecodable result key %q: %w", row.key, err)
		}
		out = append(out, Result{Key: key, Value: json.RawMessage(row.value)})
	}
}
