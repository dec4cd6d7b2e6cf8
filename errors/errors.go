// Package errors classifies the failures of an editor session. A Transient
// error may succeed when retried, an Invalid one never will for the same
// input, and a Fatal one leaves the component unusable.
//
// Wrapped errors read "component.method: action failed: cause" and keep the
// cause reachable through Is and As.
package errors

import (
	"errors"
	"fmt"
)

// Class is how a caller should react to an error.
type Class uint8

const (
	Transient Class = iota
	Invalid
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrInvalidData    = errors.New("invalid data format")
	ErrKeyNotFound    = errors.New("key not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrClosed         = errors.New("session closed")
)

// Error is a classified error raised by one method of one component.
type Error struct {
	Class     Class
	Component string
	Method    string
	Action    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s.%s: %s failed: %v", e.Component, e.Method, e.Action, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap adds context without classifying. The outermost classified error in
// the chain still decides the class.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient classifies err as Transient. A nil err stays nil.
func WrapTransient(err error, component, method, action string) error {
	return classify(Transient, err, component, method, action)
}

// WrapInvalid classifies err as Invalid. A nil err becomes ErrInvalidData so
// argument checks stay one line.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		err = ErrInvalidData
	}
	return classify(Invalid, err, component, method, action)
}

// WrapFatal classifies err as Fatal. A nil err stays nil.
func WrapFatal(err error, component, method, action string) error {
	return classify(Fatal, err, component, method, action)
}

func classify(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Component: component, Method: method, Action: action, Err: err}
}

// Classify returns the class of the outermost classified error in the chain.
// Unclassified errors are judged by their sentinel; anything unknown is
// Transient.
func Classify(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return Fatal
	case errors.Is(err, ErrInvalidData),
		errors.Is(err, ErrInvalidLink),
		errors.Is(err, ErrTemplateNotFound),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrPortNotFound):
		return Invalid
	}
	return Transient
}

// IsTransient reports whether retrying err may succeed.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}

// IsInvalid reports whether err was caused by its input.
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == Invalid
}

// IsFatal reports whether err leaves its component unusable.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == Fatal
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

func Join(errs ...error) error { return errors.Join(errs...) }
