// Package health tracks the backends a flowedit process depends on and
// serves a rolled-up report over HTTP.
package health

import (
	"fmt"
	"time"
)

// Level orders health from best to worst.
type Level uint8

const (
	Healthy Level = iota
	Degraded
	Unhealthy
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	for _, c := range []Level{Healthy, Degraded, Unhealthy} {
		if c.String() == string(b) {
			*l = c
			return nil
		}
	}
	return fmt.Errorf("unknown health level %q", b)
}

// Status is the health of one backend, or of the process when it carries
// component statuses.
type Status struct {
	Component  string        `json:"component"`
	Level      Level         `json:"level"`
	Message    string        `json:"message,omitempty"`
	Checked    time.Time     `json:"checked"`
	Latency    time.Duration `json:"latency_ns,omitempty"`
	Components []Status      `json:"components,omitempty"`
}

// OK reports whether the status is healthy.
func (s Status) OK() bool { return s.Level == Healthy }

// NewStatus stamps a status with the current time.
func NewStatus(component string, level Level, message string) Status {
	return Status{Component: component, Level: level, Message: message, Checked: time.Now()}
}

// probeStatus turns a probe result into a status. Error text is redacted
// since reports are served without authentication; a probe that answered
// but used most of its budget is degraded.
func probeStatus(component string, err error, took, budget time.Duration) Status {
	var s Status
	switch {
	case err != nil:
		s = NewStatus(component, Unhealthy, redact(err.Error()))
	case budget > 0 && took > budget/2:
		s = NewStatus(component, Degraded, "slow response")
	default:
		s = NewStatus(component, Healthy, "")
	}
	s.Latency = took
	return s
}

// Rollup reports the worst level among components, which are copied into
// the result.
func Rollup(name string, components []Status) Status {
	worst := Healthy
	for _, c := range components {
		worst = max(worst, c.Level)
	}
	s := NewStatus(name, worst, "")
	if n := len(components); n > 0 {
		s.Components = append(make([]Status, 0, n), components...)
		if worst != Healthy {
			bad := 0
			for _, c := range components {
				if c.Level != Healthy {
					bad++
				}
			}
			s.Message = fmt.Sprintf("%d of %d components %s or worse", bad, n, Degraded)
		}
	}
	return s
}
