// Package changebus delivers flow document deltas and node status updates
// from the backing store to editor sessions. Handlers run on the bus's own
// goroutine; callers hand the value over to their event loop.
package changebus

import (
	"context"
	"encoding/json"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
)

// DeltaHandler receives one delta for the subscribed flow.
type DeltaHandler func(flowstore.Delta)

// StatusHandler receives one node status update.
type StatusHandler func(StatusUpdate)

// Subscription is an active subscription. Unsubscribe is idempotent and
// no handler call starts after it returns.
type Subscription interface {
	Unsubscribe() error
}

// Bus subscribes to the deltas of one flow.
type Bus interface {
	Subscribe(ctx context.Context, flowID string, handler DeltaHandler) (Subscription, error)
}

// StatusFeed subscribes to node status updates of one flow.
type StatusFeed interface {
	SubscribeStatus(ctx context.Context, flowID string, handler StatusHandler) (Subscription, error)
}

// Node run states
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// StatusUpdate reports the run state of one node. Node is the qualified
// instance name, sub-flow levels joined with "__".
type StatusUpdate struct {
	FlowID string `json:"flow"`
	Node   string `json:"node"`
	Status string `json:"status"`
}

// ParseStatus decodes a status payload.
func ParseStatus(payload []byte) (StatusUpdate, error) {
	var u StatusUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, errors.WrapInvalid(err, "changebus", "ParseStatus", "decode status")
	}
	if u.Node == "" {
		return u, errors.WrapInvalid(nil, "changebus", "ParseStatus", "status without node")
	}
	switch u.Status {
	case StatusRunning, StatusStopped:
	default:
		return u, errors.WrapInvalid(errors.New(u.Status), "changebus", "ParseStatus", "unknown status")
	}
	return u, nil
}

func encodeStatus(u StatusUpdate) ([]byte, error) {
	if u.FlowID == "" || u.Node == "" {
		return nil, errors.WrapInvalid(nil, "changebus", "PublishStatus", "status needs flow and node")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, errors.WrapInvalid(err, "changebus", "PublishStatus", "encode status")
	}
	return data, nil
}
