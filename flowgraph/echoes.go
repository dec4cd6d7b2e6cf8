package flowgraph

// echoes tracks gestures the store has not reflected yet, so a remote
// update racing the write neither drops a local add nor resurrects a
// local delete.
type echoes struct {
	added   map[string]struct{}
	removed map[string]struct{}
}

func newEchoes() *echoes {
	return &echoes{added: map[string]struct{}{}, removed: map[string]struct{}{}}
}

func (e *echoes) markAdded(id string) {
	delete(e.removed, id)
	e.added[id] = struct{}{}
}

func (e *echoes) markRemoved(id string) {
	delete(e.added, id)
	e.removed[id] = struct{}{}
}

// unconfirmed reports a local add the store has not echoed.
func (e *echoes) unconfirmed(id string) bool {
	_, ok := e.added[id]
	return ok
}

// suppressed reports a local delete the store has not echoed.
func (e *echoes) suppressed(id string) bool {
	_, ok := e.removed[id]
	return ok
}

func (e *echoes) confirm(id string) {
	delete(e.added, id)
}

// settleRemovals forgets local deletes the store has caught up with.
func (e *echoes) settleRemovals(present func(id string) bool) {
	for id := range e.removed {
		if !present(id) {
			delete(e.removed, id)
		}
	}
}
