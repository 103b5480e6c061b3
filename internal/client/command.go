package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skybridge-dev/skybridge/internal/protocol"
)

// CommandOption adjusts a single SendCDPCommand call.
type CommandOption func(*commandOptions)

type commandOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the client's default command timeout.
func WithTimeout(d time.Duration) CommandOption {
	return func(o *commandOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// SendCDPCommand dispatches one CDP command and waits for its matching
// result. The session is established transparently if needed. Multiple
// commands may be outstanding concurrently; correlation is solely by
// numeric id, so commands may resolve out of send order.
func (c *Client) SendCDPCommand(ctx context.Context, method string, params any, opts ...CommandOption) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	o := commandOptions{timeout: c.cfg.CommandTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		rawParams = b
	}

	c.mu.Lock()
	if c.sock == nil || !c.authenticated {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if len(c.pending) >= c.cfg.MaxPending {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCommand{
		id:     id,
		method: method,
		done:   make(chan outcome, 1),
	}
	pc.timer = time.AfterFunc(o.timeout, func() {
		c.settle(id, outcome{err: ErrCommandTimeout})
	})
	c.pending[id] = pc
	sock := c.sock
	c.mu.Unlock()

	frame := protocol.Frame{
		Type:   protocol.TypeCDP,
		ID:     id,
		Method: method,
		Params: rawParams,
	}
	c.writeMu.Lock()
	err := sock.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.settle(id, outcome{err: fmt.Errorf("relay write: %w", ErrConnectionClosed)})
	}

	select {
	case out := <-pc.done:
		return out.result, out.err
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		// The settle above may have lost the race to a real outcome;
		// prefer whatever actually landed in the channel.
		out := <-pc.done
		return out.result, out.err
	}
}

// settle resolves a pending command exactly once: the first of result,
// error, timeout, or drain wins, and later settlements are no-ops.
func (c *Client) settle(id uint32, out outcome) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		pc.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		pc.done <- out
	}
}
