package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/logging"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
)

// Bus is the physical CAN transport. Only the node worker ever calls it.
//
// ReadFrame blocks for at most the backend's poll timeout and returns
// can.ErrReadTimeout when nothing arrived. Any other read error is treated as
// fatal by the node.
type Bus interface {
	ReadFrame(*can.RawFrame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Client is the subset of *Node that device drivers depend on.
type Client interface {
	Submit(Command) error
	Send(context.Context, can.Frame) error
	AddFilter(context.Context, Filter) error
	RemoveFilter(context.Context, Filter) error
}

var _ Client = (*Node)(nil)

const (
	defaultQueueSize    = 128
	defaultFilterBuffer = 64
	defaultPollTimeout  = 20 * time.Millisecond
)

// Config sizes the node queues. Zero values select the defaults.
type Config struct {
	// QueueSize bounds the inbound command queue.
	QueueSize int
	// FilterBuffer is the channel size used by Node.NewFilter.
	FilterBuffer int
	// PollTimeout is the receive window handed to bus backends; it bounds
	// the latency of command processing.
	PollTimeout time.Duration
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.FilterBuffer <= 0 {
		c.FilterBuffer = defaultFilterBuffer
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	return c
}

type Option func(*Node)

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// Node is the single owner of a CAN bus. A background worker applies queued
// commands and dispatches received frames to the first matching filter.
// All methods are safe for concurrent use.
type Node struct {
	bus     Bus
	cfg     Config
	inbox   *inbox
	filters []Filter // worker-owned
	working atomic.Bool
	done    chan struct{}
	logger  *slog.Logger

	errMu sync.Mutex
	err   error

	rx      atomic.Uint64
	tx      atomic.Uint64
	dropped atomic.Uint64
	nfilter atomic.Int64
}

// Stats is a point-in-time view of node activity.
type Stats struct {
	Filters int
	Rx      uint64
	Tx      uint64
	Dropped uint64
}

// Start takes ownership of bus and launches the worker. Cancelling ctx has
// the same effect as Stop.
func Start(ctx context.Context, bus Bus, cfg Config, opts ...Option) *Node {
	cfg = cfg.WithDefaults()
	n := &Node{
		bus:    bus,
		cfg:    cfg,
		inbox:  newInbox(cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logging.Component("can_node"),
	}
	for _, o := range opts {
		o(n)
	}
	n.working.Store(true)
	go n.run(ctx)
	n.logger.Info("node_started", "queue", cfg.QueueSize, "poll_timeout", cfg.PollTimeout)
	return n
}

// Config returns the effective configuration.
func (n *Node) Config() Config { return n.cfg }

// NewFilter builds a filter using the node's configured channel size.
func (n *Node) NewFilter(address, mask uint16, name string) Filter {
	return NewFilter(address, mask, name, n.cfg.FilterBuffer)
}

// Submit queues a command for the worker without blocking.
func (n *Node) Submit(cmd Command) error {
	err := n.inbox.push(cmd)
	if errors.Is(err, ErrQueueFull) {
		metrics.IncQueueReject()
	}
	return err
}

// Send transmits fr and waits for the worker to report the outcome.
func (n *Node) Send(ctx context.Context, fr can.Frame) error {
	done := make(chan error, 1)
	return n.await(ctx, Send{Frame: fr, Done: done}, done)
}

// AddFilter installs f and waits for the worker to accept or reject it.
func (n *Node) AddFilter(ctx context.Context, f Filter) error {
	done := make(chan error, 1)
	return n.await(ctx, AddFilter{Filter: f, Done: done}, done)
}

// RemoveFilter uninstalls f and waits until its channel has been closed.
func (n *Node) RemoveFilter(ctx context.Context, f Filter) error {
	done := make(chan error, 1)
	return n.await(ctx, RemoveFilter{Filter: f, Done: done}, done)
}

func (n *Node) await(ctx context.Context, cmd Command, done chan error) error {
	if err := n.Submit(cmd); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-n.done:
		// The worker answers queued commands before it exits.
		select {
		case err := <-done:
			return err
		default:
			return ErrNodeStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop clears the working flag and waits until the worker has released the
// bus. Safe to call more than once.
func (n *Node) Stop() {
	n.working.Store(false)
	<-n.done
}

// Done is closed once the worker has exited and the bus is closed.
func (n *Node) Done() <-chan struct{} { return n.done }

// Err returns the fault that stopped the worker, or nil after a clean stop.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

// Working reports whether the worker is still running.
func (n *Node) Working() bool { return n.working.Load() }

func (n *Node) Stats() Stats {
	return Stats{
		Filters: int(n.nfilter.Load()),
		Rx:      n.rx.Load(),
		Tx:      n.tx.Load(),
		Dropped: n.dropped.Load(),
	}
}

func (n *Node) run(ctx context.Context) {
	defer close(n.done)
	defer n.shutdown()
	defer func() {
		if r := recover(); r != nil {
			n.fail(fmt.Errorf("%w: panic: %v", ErrWorkerFault, r))
		}
	}()
	for n.working.Load() {
		if ctx.Err() != nil {
			return
		}
		n.applyPending()
		if err := n.poll(); err != nil {
			n.fail(err)
			return
		}
	}
}

// applyPending drains the inbox. At most one queue's worth of commands is
// applied per iteration so that bus polling is never starved.
func (n *Node) applyPending() {
	for i := 0; i < n.inbox.capacity(); i++ {
		cmd, ok := n.inbox.pop()
		if !ok {
			return
		}
		n.apply(cmd)
	}
}

func (n *Node) apply(cmd Command) {
	switch c := cmd.(type) {
	case Send:
		reply(c.Done, n.transmit(c.Frame))
	case AddFilter:
		reply(c.Done, n.install(c.Filter))
	case RemoveFilter:
		reply(c.Done, n.uninstall(c.Filter))
	default:
		n.logger.Warn("unknown_command", "type", fmt.Sprintf("%T", cmd))
	}
}

func (n *Node) transmit(fr can.Frame) error {
	if err := fr.Validate(); err != nil {
		return err
	}
	if err := n.bus.WriteFrame(fr); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrBus, err)
		n.logger.Warn("bus_write_error", "error", err, "can_id", fmt.Sprintf("0x%03X", fr.ID))
		return wrap
	}
	n.tx.Add(1)
	metrics.IncTx()
	return nil
}

func (n *Node) install(f Filter) error {
	if f.C == nil {
		return fmt.Errorf("%w: %s", ErrNilChannel, f)
	}
	for _, cur := range n.filters {
		if !cur.sameRoute(f) {
			continue
		}
		if cur.Name == f.Name && cur.C == f.C {
			n.logger.Info("filter_already_installed", "filter", f.String())
			return nil
		}
		metrics.IncError(metrics.ErrFilterConflict)
		n.logger.Warn("filter_conflict", "filter", f.String(), "bound_to", cur.Name)
		if cur.Name == f.Name {
			return fmt.Errorf("%w: 0x%03X/0x%03X already bound to another %q channel", ErrConfigConflict, f.Address, f.Mask, cur.Name)
		}
		return fmt.Errorf("%w: 0x%03X/0x%03X already bound to %q", ErrConfigConflict, f.Address, f.Mask, cur.Name)
	}
	n.filters = append(n.filters, f)
	n.filtersChanged()
	n.logger.Info("filter_added", "filter", f.String())
	return nil
}

func (n *Node) uninstall(f Filter) error {
	for i, cur := range n.filters {
		if !cur.sameRoute(f) {
			continue
		}
		if cur.Name != f.Name {
			metrics.IncError(metrics.ErrFilterConflict)
			n.logger.Warn("filter_remove_conflict", "filter", f.String(), "bound_to", cur.Name)
			return fmt.Errorf("%w: 0x%03X/0x%03X bound to %q, not %q", ErrConfigConflict, f.Address, f.Mask, cur.Name, f.Name)
		}
		n.filters = append(n.filters[:i], n.filters[i+1:]...)
		n.filtersChanged()
		closeAndDrain(cur.C)
		n.logger.Info("filter_removed", "filter", cur.String())
		return nil
	}
	n.logger.Debug("filter_not_installed", "filter", f.String())
	return nil
}

func (n *Node) filtersChanged() {
	n.nfilter.Store(int64(len(n.filters)))
	metrics.SetFilters(len(n.filters))
}

// poll reads at most one frame and forwards it to the first matching filter.
func (n *Node) poll() error {
	var raw can.RawFrame
	if err := n.bus.ReadFrame(&raw); err != nil {
		if errors.Is(err, can.ErrReadTimeout) {
			return nil
		}
		return fmt.Errorf("%w: read: %v", ErrWorkerFault, err)
	}
	fr, ok := raw.Standard()
	if !ok {
		metrics.IncIgnored()
		return nil
	}
	n.rx.Add(1)
	metrics.IncRx()
	n.dispatch(fr)
	return nil
}

func (n *Node) dispatch(fr can.Frame) {
	for _, f := range n.filters {
		if !f.Match(fr.ID) {
			continue
		}
		select {
		case f.C <- fr:
		default:
			n.dropped.Add(1)
			metrics.IncFilterDrop()
			n.logger.Debug("filter_full_drop", "filter", f.Name, "can_id", fmt.Sprintf("0x%03X", fr.ID))
		}
		return
	}
	metrics.IncUnmatched()
}

func (n *Node) fail(err error) {
	n.errMu.Lock()
	n.err = err
	n.errMu.Unlock()
	n.working.Store(false)
	metrics.IncError(metrics.ErrNodeFatal)
	n.logger.Error("node_fault", "error", err)
}

// shutdown runs on the worker goroutine once the loop exits.
func (n *Node) shutdown() {
	n.working.Store(false)
	for _, cmd := range n.inbox.close() {
		reply(doneOf(cmd), ErrNodeStopped)
	}
	for _, f := range n.filters {
		closeAndDrain(f.C)
	}
	n.filters = nil
	n.filtersChanged()
	if err := n.bus.Close(); err != nil {
		n.logger.Warn("bus_close_error", "error", err)
	}
	n.logger.Info("node_stopped", "rx", n.rx.Load(), "tx", n.tx.Load(), "dropped", n.dropped.Load())
}
