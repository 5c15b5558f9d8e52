package task

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/internal/protocol/wire"
	"github.com/quernlabs/quern/pkg/datasource"
)

// reduceGroup is one pending reduce assignment: a wire-form key and the
// accumulated values for it.
type reduceGroup struct {
	key    json.RawMessage
	values []json.RawMessage
}

// Memory is the in-process task manager. All job state lives in maps;
// nothing survives a coordinator restart.
type Memory struct {
	mu sync.Mutex

	phase Phase
	ds    datasource.Datasource

	// Map phase.
	keys    []string
	nextKey int
	// Outstanding maps, keyed by input key. The value rides along so
	// speculative re-dispatch does not re-read the datasource.
	workingMaps map[string][]byte
	mapResults  map[string][]json.RawMessage

	// Reduce phase.
	reduceQueue []reduceGroup
	nextReduce  int
	// Outstanding reduces, keyed by the wire form of the reduce key.
	workingReduces map[string][]json.RawMessage
	results        map[string]json.RawMessage

	dispatch *dispatchTracker

	done     chan struct{}
	doneOnce sync.Once
}

// NewMemory creates an in-memory manager over ds.
func NewMemory(ds datasource.Datasource) *Memory {
	return &Memory{
		ds:       ds,
		phase:    PhaseStart,
		dispatch: newDispatchTracker(),
		done:     make(chan struct{}),
	}
}

// Phase reports the current phase.
func (m *Memory) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Done is closed once the job finishes.
func (m *Memory) Done() <-chan struct{} { return m.done }

// Close is a no-op for the in-memory manager.
func (m *Memory) Close() error { return nil }

// NextTask advances the phase machine and returns the next assignment.
func (m *Memory) NextTask(sessionID string) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		switch m.phase {
		case PhaseStart:
			keys, err := m.ds.Keys()
			if err != nil {
				return nil, fmt.Errorf("task: datasource keys: %w", err)
			}
			m.keys = keys
			m.workingMaps = make(map[string][]byte)
			m.mapResults = make(map[string][]json.RawMessage)
			if m.phase, err = m.phase.advanceTo(PhaseMapping); err != nil {
				return nil, err
			}
			logger.Info("Job started", "inputs", len(keys))

		case PhaseMapping:
			if a, ok, err := m.nextMap(sessionID); err != nil || ok {
				return a, err
			}
			// Input drained and nothing outstanding: close the map
			// phase and build the reduce queue.
			var err error
			if m.phase, err = m.phase.advanceTo(PhaseReducing); err != nil {
				return nil, err
			}
			m.buildReduceQueue()
			m.dispatch.reset()
			logger.Info("Map phase complete", "groups", len(m.reduceQueue))

		case PhaseReducing:
			if a, ok := m.nextReduceTask(sessionID); ok {
				return a, nil
			}
			var err error
			if m.phase, err = m.phase.advanceTo(PhaseFinished); err != nil {
				return nil, err
			}
			m.finish()
			logger.Info("Reduce phase complete", "results", len(m.results))

		case PhaseFinished:
			return disconnectAssignment, nil
		}
	}
}

// nextMap hands out the next fresh, released, or speculative map
// assignment. ok is false when the map phase has drained.
func (m *Memory) nextMap(sessionID string) (*Assignment, bool, error) {
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

func (m *Memory) mapAssignment(sessionID, key string) *Assignment {
	m.dispatch.hold(sessionID, key)
	return &Assignment{
		Verb:    wire.VerbMap,
		Payload: &wire.MapAssignment{Key: key, Value: m.workingMaps[key]},
	}
}

// nextReduceTask mirrors nextMap for the reduce queue.
func (m *Memory) nextReduceTask(sessionID string) (*Assignment, bool) {
	if key, ok := m.dispatch.popReleased(func(k string) bool {
		_, outstanding := m.workingReduces[k]
		return outstanding
	}); ok {
		return m.reduceAssignment(sessionID, json.RawMessage(key)), true
	}

	if m.nextReduce < len(m.reduceQueue) {
		group := m.reduceQueue[m.nextReduce]
		m.nextReduce++
		m.workingReduces[string(group.key)] = group.values
		return m.reduceAssignment(sessionID, group.key), true
	}

	if len(m.workingReduces) > 0 {
		key := randomKey(m.workingReduces)
		logger.Debug("Speculative reduce re-dispatch", "key", key)
		return m.reduceAssignment(sessionID, json.RawMessage(key)), true
	}
	return nil, false
}

func (m *Memory) reduceAssignment(sessionID string, key json.RawMessage) *Assignment {
	m.dispatch.hold(sessionID, string(key))
	return &Assignment{
		Verb:    wire.VerbReduce,
		Payload: &wire.ReduceAssignment{Key: key, Values: m.workingReduces[string(key)]},
	}
}

// buildReduceQueue groups the accumulated map output into reduce
// assignments. Keys are sorted so dispatch order is deterministic.
func (m *Memory) buildReduceQueue() {
	keys := make([]string, 0, len(m.mapResults))
	for k := range m.mapResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.reduceQueue = make([]reduceGroup, 0, len(keys))
	for _, k := range keys {
		m.reduceQueue = append(m.reduceQueue, reduceGroup{
			key:    wire.PlainKey(k),
			values: m.mapResults[k],
		})
	}
	m.workingReduces = make(map[string][]json.RawMessage)
	m.results = make(map[string]json.RawMessage)
}

func (m *Memory) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

// MapDone merges a map result if its input key is still outstanding.
func (m *Memory) MapDone(sessionID string, res *wire.MapResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, outstanding := m.workingMaps[res.Key]; !outstanding {
		logger.Debug("Dropping late map result", "key", res.Key)
		return false, nil
	}
	for k, values := range res.Results {
		m.mapResults[k] = append(m.mapResults[k], values...)
	}
	delete(m.workingMaps, res.Key)
	m.dispatch.release(sessionID, res.Key)
	return true, nil
}

// ReduceDone stores a reduce result if its key is still outstanding.
func (m *Memory) ReduceDone(sessionID string, res *wire.ReduceResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wireKey := string(res.Key)
	if _, outstanding := m.workingReduces[wireKey]; !outstanding {
		logger.Debug("Dropping late reduce result", "key", wireKey)
		return false, nil
	}

	var key string
	if err := json.Unmarshal(res.Key, &key); err != nil {
		return false, fmt.Errorf("task: bad reduce result key %s: %w", res.Key, err)
	}
	m.results[key] = res.Result
	delete(m.workingReduces, wireKey)
	m.dispatch.release(sessionID, wireKey)
	return true, nil
}

// ReleaseSession requeues a disconnected session's outstanding keys so
// they are re-dispatched ahead of the speculative path.
func (m *Memory) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch.releaseSession(sessionID)
}

// Results returns the final results sorted by key.
func (m *Memory) Results() ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseFinished {
		return nil, fmt.Errorf("task: results requested in phase %s", m.phase)
	}
	out := make([]Result, 0, len(m.results))
	for k, v := range m.results {
		out = append(out, Result{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// randomKey draws a uniformly random key from a non-empty map.
func randomKey[V any](m map[string]V) string {
	n := rand.IntN(len(m))
	for k := range m {
		if n == 0 {
			return k
		}
		n--
	}
	panic("unreachable")
}
