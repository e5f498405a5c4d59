package subscription

import (
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/google/uuid"
)

// ID identifies one subscription for the lifetime of its registry.
type ID string

func (id ID) String() string {
	return string(id)
}

func newID() ID {
	return ID(uuid.NewString())
}

// Status is the reconciliation state of one subscription.
//
//	UNDEFINED -> ADD_REQUEST -> ADDED | MATCH_FAILED -> REMOVE_REQUEST -> REMOVED
//
// ADDED -> ADD_REQUEST happens only when the registry stops.
type Status int

const (
	StatusUndefined Status = iota
	StatusAddRequest
	StatusAdded
	StatusMatchFailed
	StatusRemoveRequest
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusUndefined:
		return "UNDEFINED"
	case StatusAddRequest:
		return "ADD_REQUEST"
	case StatusAdded:
		return "ADDED"
	case StatusMatchFailed:
		return "MATCH_FAILED"
	case StatusRemoveRequest:
		return "REMOVE_REQUEST"
	case StatusRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// State is the run state of a registry's event loop.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopRequest
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopRequest:
		return "STOP_REQUEST"
	}
	return "UNKNOWN"
}

// ValueFunc receives one matching event on the registry's loop goroutine.
// msg is released after the callback returns; keep it with msg.Ref().
//
// The registry checks the subscription is ADDED and then calls the
// function without holding its lock. A Remove that returns between the
// check and the call does not cancel that one delivery, so the callback
// can run once after Remove has returned. No delivery starts after the
// status has left ADDED.
type ValueFunc func(id ID, msg *envelope.Envelope)

// StatusFunc observes every status change of one subscription. It runs on
// whichever goroutine made the change: the caller of Add or Remove, or the
// loop goroutine for reconciliation and shutdown.
type StatusFunc func(id ID, status Status)
