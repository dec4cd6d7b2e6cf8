package worker

import "github.com/MOV-AI/flowedit/errors"

// Pool lifecycle and submission errors. Submit callers check ErrQueueFull
// to decide whether to drop or retry a write.
var (
	ErrNilProcessor       = errors.New("worker: nil processor")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrQueueFull          = errors.New("worker: queue full")
	ErrStopTimeout        = errors.New("worker: stop timed out")
)
