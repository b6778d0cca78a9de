package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ecoflow-bridge/internal/device"
)

// CommandTimeout reports that no matching reply arrived before the
// caller's deadline.
type CommandTimeout struct {
	ID int64
}

func (e *CommandTimeout) Error() string {
	return fmt.Sprintf("command %d: no reply before deadline", e.ID)
}

// Publisher is the outbound half of the session the correlator needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Username() string
}

type pendingCall struct {
	ch      chan device.CommandResponse
	created time.Time
}

// Correlator matches asynchronous set_reply messages to their originating
// commands by id. A pending entry is removed exactly once: by the matching
// reply, by the caller's timeout, or by Close.
type Correlator struct {
	pub    Publisher
	logger *slog.Logger

	mu      sync.Mutex
	pending map[int64]*pendingCall
}

// NewCorrelator creates a correlator publishing through the given session.
func NewCorrelator(pub Publisher, logger *slog.Logger) *Correlator {
	return &Correlator{
		pub:     pub,
		logger:  logger.With("component", "correlator"),
		pending: make(map[int64]*pendingCall),
	}
}

// Send publishes a command without waiting for its reply.
func (c *Correlator) Send(cmd device.Command) error {
	payload, err := cmd.WireMessage()
	if err != nil {
		return err
	}
	return c.pub.Publish(DeviceTopic(c.pub.Username(), cmd.SN(), SuffixSet), payload)
}

// SendAwait publishes a command and parks until the matching reply arrives
// or ctx expires. Parking is per-call: concurrent commands to the same or
// different devices do not block each other. On timeout the pending entry
// is removed so a late reply is dropped harmlessly.
func (c *Correlator) SendAwait(ctx context.Context, cmd device.Command) (device.CommandResponse, error) {
	payload, err := cmd.WireMessage()
	if err != nil {
		return device.CommandResponse{}, err
	}

	call := &pendingCall{
		ch:      make(chan device.CommandResponse, 1),
		created: time.Now(),
	}
	c.mu.Lock()
	// Random 31-bit ids make collisions negligible; if one happens anyway
	// the newer registration wins and the older call times out.
	if _, exists := c.pending[cmd.ID()]; exists {
		c.logger.Warn("command id collision", "id", cmd.ID())
	}
	c.pending[cmd.ID()] = call
	c.mu.Unlock()

	if err := c.pub.Publish(DeviceTopic(c.pub.Username(), cmd.SN(), SuffixSet), payload); err != nil {
		c.remove(cmd.ID(), call)
		return device.CommandResponse{}, err
	}

	select {
	case resp := <-call.ch:
		return resp, nil
	case <-ctx.Done():
		c.remove(cmd.ID(), call)
		return device.CommandResponse{}, &CommandTimeout{ID: cmd.ID()}
	}
}

// Resolve completes the pending call matching the reply's id. Replies with
// no matching entry are dropped without error; each entry resolves at most
// once.
func (c *Correlator) Resolve(resp device.CommandResponse) bool {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply with no pending call", "id", resp.ID)
		return false
	}
	call.ch <- resp
	return true
}

// Pending returns the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close drops every pending entry. Outstanding SendAwait callers finish
// via their context deadline.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.pending)
}

// remove deletes an entry only if it still maps to this call, so a
// colliding newer registration is not evicted by the older call's timeout.
func (c *Correlator) remove(id int64, call *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok && p == call {
		delete(c.pending, id)
	}
}
