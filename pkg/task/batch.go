package task

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/datasource"
)

// partialTask is one outstanding partialreduce assignment: the decoded
// composite key plus the wire message, kept so speculative re-dispatch
// resends the identical assignment.
type partialTask struct {
	comp   wire.CompositeKey
	assign *wire.ReduceAssignment
}

// Batch is the batched durable task manager. It stores intermediate
// values like Persistent but slices any key group larger than the batch
// bound into multiple partialreduce assignments. Outputs of a split key
// are written back as depth+1 intermediate values and the reduce phase
// repeats at the next depth until every key fits one slice; since each
// round shrinks a split group by the bound factor, the job reaches a
// fixed point in logarithmic rounds.
type Batch struct {
	mu sync.Mutex

	phase Phase
	ds    datasource.Datasource
	store *sqlStore
	bound int

	keys        []string
	nextKey     int
	workingMaps map[string][]byte

	depth       int
	multiSliced map[string]struct{}
	reduceIter  *rowIter
	curKey      string // stored key of the group being sliced
	curSlice    int
	// Outstanding partial reduces, keyed by the wire form of the
	// composite key.
	workingReduces map[string]*partialTask

	dispatch *dispatchTracker

	done     chan struct{}
	doneOnce sync.Once
}

// NewBatch opens the store at path with the depth-extended schema.
// bound is the maximum number of values per slice and must be positive.
func NewBatch(ds datasource.Datasource, path string, bound int, resume bool) (*Batch, error) {
	if bound < 1 {
		return nil, fmt.Errorf("task: batch bound must be positive, got %d", bound)
	}
	store, err := openStore(path, true)
	if err != nil {
		return nil, err
	}
	m := &Batch{
		ds:          ds,
		store:       store,
		bound:       bound,
		phase:       PhaseStart,
		multiSliced: make(map[string]struct{}),
		dispatch:    newDispatchTracker(),
		done:        make(chan struct{}),
	}
	if err := m.initPhase(resume); err != nil {
		_ = store.close()
		return nil, err
	}
	return m, nil
}

func (m *Batch) initPhase(resume bool) error {
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
	logger.Info("Resuming batched job", "phase", phase)
	if phase == PhaseFinished {
		m.finish()
	}
	return nil
}

// Phase reports the current phase.
func (m *Batch) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Depth reports the current reduce round.
func (m *Batch) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// Done is closed once the job finishes.
func (m *Batch) Done() <-chan struct{} { return m.done }

// Close releases the reduce cursor and the store.
func (m *Batch) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reduceIter.close()
	return m.store.close()
}

func (m *Batch) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

// NextTask advances the phase machine and returns the next assignment.
func (m *Batch) NextTask(sessionID string) (*Assignment, error) {
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
			logger.Info("Batched job started", "inputs", len(m.keys), "bound", m.bound)

		case PhaseMapping:
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
			if err := m.openRound(); err != nil {
				return nil, err
			}
			m.dispatch.reset()
			logger.Info("Map phase complete, batched reduce from store")

		case PhaseReducing:
			if m.reduceIter == nil {
				// Resumed into the reduce phase: the round state
				// (depth, split set) was not mirrored, so restart the
				// reduce iteration from the committed depth-0 output.
				if err := m.store.clearAboveDepth(); err != nil {
					return nil, err
				}
				m.depth = 0
				m.workingReduces = nil
				if err := m.openRound(); err != nil {
					return nil, err
				}
				logger.Info("Restarting reduce phase after resume")
			}
			a, ok, err := m.nextPartial(sessionID)
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
			logger.Info("Batched reduce complete", "rounds", m.depth+1)

		case PhaseFinished:
			return disconnectAssignment, nil
		}
	}
}

func (m *Batch) initMapPhase() error {
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

// openRound opens the grouped cursor over the current depth.
func (m *Batch) openRound() error {
	m.reduceIter.close()
	iter, err := m.store.mapRows(m.depth)
	if err != nil {
		return err
	}
	m.reduceIter = iter
	m.curKey = ""
	m.curSlice = 0
	if m.workingReduces == nil {
		m.workingReduces = make(map[string]*partialTask)
	}
	return nil
}

func (m *Batch) nextMap(sessionID string) (*Assignment, bool, error) {
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

func (m *Batch) mapAssignment(sessionID, key string) *Assignment {
	m.dispatch.hold(sessionID, key)
	return &Assignment{
		Verb:    wire.VerbMap,
		Payload: &wire.MapAssignment{Key: key, Value: m.workingMaps[key]},
	}
}

// nextPartial hands out the next slice, falls back to speculation, and
// closes the round when it drains: if any key was split this round the
// depth advances and the cursor reopens over the split keys' partial
// output; otherwise the reduce phase is done and ok is false.
func (m *Batch) nextPartial(sessionID string) (*Assignment, bool, error) {
	if key, ok := m.dispatch.popReleased(func(k string) bool {
		_, outstanding := m.workingReduces[k]
		return outstanding
	}); ok {
		return m.partialAssignment(sessionID, m.workingReduces[key]), true, nil
	}

	for {
		task, err := m.nextChunk()
		if err != nil {
			return nil, false, err
		}
		if task != nil {
			m.workingReduces[string(task.assign.Key)] = task
			return m.partialAssignment(sessionID, task), true, nil
		}

		if len(m.workingReduces) > 0 {
			key := randomKey(m.workingReduces)
			logger.Debug("Speculative partialreduce re-dispatch", "key", key)
			return m.partialAssignment(sessionID, m.workingReduces[key]), true, nil
		}

		if len(m.multiSliced) == 0 {
			return nil, false, nil
		}
		// At least one key was split: its partial results are depth+1
		// map output, so run another round over them.
		m.depth++
		m.multiSliced = make(map[string]struct{})
		if err := m.openRound(); err != nil {
			return nil, false, err
		}
		logger.Info("Starting reduce round", "depth", m.depth)
	}
}

func (m *Batch) partialAssignment(sessionID string, task *partialTask) *Assignment {
	m.dispatch.hold(sessionID, string(task.assign.Key))
	return &Assignment{Verb: wire.VerbPartial, Payload: task.assign}
}

// nextChunk cuts the next slice of at most bound values from the
// grouped cursor. The one-row lookahead after cutting tells whether the
// group continues, which is what marks a key as split this round. A nil
// task means the cursor is exhausted.
func (m *Batch) nextChunk() (*partialTask, error) {
	first, err := m.reduceIter.peek()
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}

	storedKey := first.key
	if storedKey != m.curKey {
		m.curKey = storedKey
		m.curSlice = 0
	}
	m.curSlice++

	values := make([]json.RawMessage, 0, m.bound)
	for len(values) < m.bound {
		row, err := m.reduceIter.peek()
		if err != nil {
			return nil, err
		}
		if row == nil || row.key != storedKey {
			break
		}
		if _, err := m.reduceIter.next(); err != nil {
			return nil, err
		}
		values = append(values, json.RawMessage(row.value))
	}

	var kmid string
	if err := json.Unmarshal([]byte(storedKey), &kmid); err != nil {
		return nil, fmt.Errorf("task: undecodable group key %q: %w", storedKey, err)
	}

	next, err := m.reduceIter.peek()
	if err != nil {
		return nil, err
	}
	if next != nil && next.key == storedKey {
		// This slice did not consume the whole group.
		m.multiSliced[kmid] = struct{}{}
	}

	comp := wire.CompositeKey{Key: kmid, Slice: m.curSlice, Depth: m.depth}
	rawKey, err := json.Marshal(comp)
	if err != nil {
		return nil, err
	}
	return &partialTask{
		comp:   comp,
		assign: &wire.ReduceAssignment{Key: rawKey, Values: values},
	}, nil
}

// MapDone inserts intermediate values at depth zero.
func (m *Batch) MapDone(sessionID string, res *wire.MapResult) (bool, error) {
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

// ReduceDone routes a partial result: split keys feed the next round as
// depth+1 map output, unsplit keys are final.
func (m *Batch) ReduceDone(sessionID string, res *wire.ReduceResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wireKey := string(res.Key)
	task, outstanding := m.workingReduces[wireKey]
	if !outstanding {
		logger.Debug("Dropping late partial result", "key", wireKey)
		return false, nil
	}

	jsonKey := string(wire.PlainKey(task.comp.Key))
	if _, split := m.multiSliced[task.comp.Key]; split {
		if err := m.store.insertMapValue(jsonKey, res.Result, task.comp.Depth+1); err != nil {
			return false, err
		}
	} else {
		if err := m.store.insertReduceResult(jsonKey, res.Result); err != nil {
			return false, err
		}
	}
	delete(m.workingReduces, wireKey)
	m.dispatch.release(sessionID, wireKey)
	return true, nil
}

// ReleaseSession requeues a disconnected session's outstanding keys.
func (m *Batch) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch.releaseSession(sessionID)
}

// Results streams the final results ordered ascending by stored key.
func (m *Batch) Results() ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseFinished {
		return nil, fmt.Errorf("task: results requested in phase %s", m.phase)
	}
	return readResults(m.store)
}
