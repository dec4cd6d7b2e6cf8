package errors

import (
	"errors"
	"fmt"
)

// Graph domain sentinels
var (
	ErrInvalidLink      = errors.New("invalid link")
	ErrNodeNotFound     = errors.New("node not found")
	ErrPortNotFound     = errors.New("port not found")
	ErrTemplateNotFound = errors.New("template not found")

	// ErrStale marks an async result whose requester is no longer current.
	ErrStale = errors.New("stale result")
)

// LinkErrorKind names a validation annotation carried by a link.
type LinkErrorKind string

// MisMatchMessageLink is set on links whose endpoint ports carry
// incompatible message types.
const MisMatchMessageLink LinkErrorKind = "MisMatchMessageLink"

// InvalidLinkError reports a link whose endpoints could not be resolved.
// The graph accumulates these and surfaces them once per batch.
type InvalidLinkError struct {
	LinkID string
	From   string
	To     string
	Reason string
}

// Error implements the error interface
func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid link %s (%s -> %s): %s", e.LinkID, e.From, e.To, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidLink
func (e *InvalidLinkError) Unwrap() error {
	return ErrInvalidLink
}
