package node

import "github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"

// Command is one request for the node worker. The set of variants is closed:
// Send, AddFilter and RemoveFilter.
//
// Every variant carries an optional Done channel. When non-nil the worker
// reports the outcome on it without blocking, so it must have room for one
// value.
type Command interface {
	command()
}

// Send transmits Frame on the bus.
type Send struct {
	Frame can.Frame
	Done  chan<- error
}

// AddFilter installs Filter and takes ownership of its channel.
type AddFilter struct {
	Filter Filter
	Done   chan<- error
}

// RemoveFilter uninstalls the filter with the same route and closes its channel.
type RemoveFilter struct {
	Filter Filter
	Done   chan<- error
}

func (Send) command()         {}
func (AddFilter) command()    {}
func (RemoveFilter) command() {}

func doneOf(cmd Command) chan<- error {
	switch c := cmd.(type) {
	case Send:
		return c.Done
	case AddFilter:
		return c.Done
	case RemoveFilter:
		return c.Done
	}
	return nil
}

func reply(done chan<- error, err error) {
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}
