package task

// dispatchTracker records which sessions hold which outstanding keys so
// a disconnecting session's work can be re-dispatched immediately
// instead of waiting for the input stream to drain. Keys here are in
// whatever form the owning manager uses for its outstanding set; the
// tracker never interprets them. Callers hold the manager lock.
type dispatchTracker struct {
	held   map[string]map[string]struct{}
	queue  []string
	queued map[string]struct{}
}

func newDispatchTracker() *dispatchTracker {
	return &dispatchTracker{
		held:   make(map[string]map[string]struct{}),
		queued: make(map[string]struct{}),
	}
}

// hold records that session was handed key.
func (d *dispatchTracker) hold(sessionID, key string) {
	keys, ok := d.held[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		d.held[sessionID] = keys
	}
	keys[key] = struct{}{}
}

// release drops key from every session once its result has been
// applied; speculative duplicates of a completed key must not requeue.
func (d *dispatchTracker) release(sessionID, key string) {
	for _, keys := range d.held {
		delete(keys, key)
	}
}

// releaseSession queues a disconnected session's held keys for
// immediate re-dispatch. Whether each is still outstanding is checked
// at pop time.
func (d *dispatchTracker) releaseSession(sessionID string) {
	for key := range d.held[sessionID] {
		if _, ok := d.queued[key]; !ok {
			d.queue = append(d.queue, key)
			d.queued[key] = struct{}{}
		}
	}
	delete(d.held, sessionID)
}

// popReleased returns the first queued key that is still outstanding.
func (d *dispatchTracker) popReleased(outstanding func(string) bool) (string, bool) {
	for len(d.queue) > 0 {
		key := d.queue[0]
		d.queue = d.queue[1:]
		delete(d.queued, key)
		if outstanding(key) {
			return key, true
		}
	}
	return "", false
}

// reset clears all tracking at a phase boundary.
func (d *dispatchTracker) reset() {
	d.held = make(map[string]map[string]struct{})
	d.queue = nil
	d.queued = make(map[string]struct{})
}
