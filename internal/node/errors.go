package node

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrConfigConflict reports a filter whose (address, mask) is already bound
	// to a different channel name, or a removal naming the wrong channel.
	ErrConfigConflict = errors.New("node: filter config conflict")
	// ErrBus wraps a transmit failure reported by the bus backend.
	ErrBus = errors.New("node: bus error")
	// ErrQueueFull is returned by Submit when the inbound queue has no room.
	ErrQueueFull = errors.New("node: command queue full")
	// ErrNodeStopped is returned for commands submitted to, or still queued in,
	// a node whose worker has exited.
	ErrNodeStopped = errors.New("node: stopped")
	// ErrWorkerFault wraps the fatal error that terminated the worker.
	ErrWorkerFault = errors.New("node: worker fault")
	ErrNilChannel  = errors.New("node: filter without channel")
)
