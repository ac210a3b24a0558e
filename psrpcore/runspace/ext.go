package runspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// SecurityEventCallback receives a descriptive event name (e.g.
// "key_exchange_started", "session_key_established") plus structured detail
// fields, for callers auditing key exchange without depending on the pool's
// logger configuration.
type SecurityEventCallback func(event string, details map[string]any)

// SetSecurityEventCallback registers cb to be invoked around key exchange
// milestones.
func (p *Pool) SetSecurityEventCallback(cb SecurityEventCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.securityEvent = cb
}

func (p *Pool) emitSecurityEvent(event string, details map[string]any) {
	p.mu.Lock()
	cb := p.securityEvent
	p.mu.Unlock()
	if cb != nil {
		cb(event, details)
	}
}

// SetSlogLogger overrides the pool's logger. The error return exists for
// callers that treat logger configuration as best-effort; it is always nil.
func (p *Pool) SetSlogLogger(l *slog.Logger) error {
	p.SetLogger(l)
	return nil
}

// EnableDebugLogging switches the pool to a debug-level text logger on
// stderr, for callers that only decide to turn on verbose logging after
// the pool already exists (e.g. from a PSRP_DEBUG environment variable).
func (p *Pool) EnableDebugLogging() {
	p.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// SetTransport swaps the pool's underlying transport, for a backend that
// must recreate its physical connection (a fresh HvSocket after a VM pause)
// while keeping the same Pool and its negotiated session key.
func (p *Pool) SetTransport(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
}

// SetMessageID seeds the pool's outgoing message-id counter, for callers
// that have already sent SessionCapability/InitRunspacePool themselves
// (e.g. embedded in a WS-Man Create action) and need the pool's next
// generated call id to continue from where that exchange left off.
func (p *Pool) SetMessageID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCallID = int64(id)
}

// SetMinRunspaces sets the minimum runspace count sent with the next
// handshake. Returns an error if the pool has already opened.
func (p *Pool) SetMinRunspaces(min int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != RunspacePoolStateBeforeOpen {
		return fmt.Errorf("runspace: cannot change MinRunspaces after Open")
	}
	p.minRunspaces = min
	return nil
}

// SetMaxRunspaces sets the maximum runspace count sent with the next
// handshake. Returns an error if the pool has already opened.
func (p *Pool) SetMaxRunspaces(max int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != RunspacePoolStateBeforeOpen {
		return fmt.Errorf("runspace: cannot change MaxRunspaces after Open")
	}
	p.maxRunspaces = max
	p.available = max
	return nil
}

// GetActivePipelineIDs lists every pipeline currently attached to the pool.
func (p *Pool) GetActivePipelineIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.pipelines))
	for id := range p.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// AdoptPipeline attaches a pipeline constructed outside CreatePipeline (for
// example one built with pipeline.NewWithID against an id already agreed
// with the server) so its inbound messages route correctly.
func (p *Pool) AdoptPipeline(pl Pipeliner) error {
	p.AttachPipeline(pl)
	return nil
}

// InitializeAvailabilityIfNeeded assumes the full MaxRunspaces count is
// available when the server never sent a RunspaceAvailability message
// during negotiation (backends that multiplex a shared transport start a
// dispatch loop and can't always block waiting for one).
func (p *Pool) InitializeAvailabilityIfNeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available == 0 {
		p.available = p.maxRunspaces
	}
}

// Disconnect marks the pool Disconnected without sending a PSRP message:
// disconnection is a transport-layer operation (the shell is left running
// server-side) that a backend performs by tearing down its own connection.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == RunspacePoolStateBroken || p.state == RunspacePoolStateClosed {
		return ErrPoolBroken
	}
	p.state = RunspacePoolStateDisconnected
	return nil
}

// WaitForAvailability blocks until at least n runspaces are available or
// ctx is done.
func (p *Pool) WaitForAvailability(ctx context.Context, n int32) error {
	if p.AvailableRunspaces() >= n {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.AvailableRunspaces() >= n {
				return nil
			}
		}
	}
}

// StartDispatchLoop runs the pool's receive loop in the background, for
// backends (e.g. HvSocket) whose transport is shared across the pool and
// every pipeline rather than read inline by the caller. It is safe to call
// more than once; later calls are no-ops once a loop is already running.
func (p *Pool) StartDispatchLoop() {
	p.mu.Lock()
	if p.dispatchRunning {
		p.mu.Unlock()
		return
	}
	p.dispatchRunning = true
	p.mu.Unlock()

	go func() {
		ctx := context.Background()
		for {
			if _, err := p.readAndHandleOne(ctx); err != nil {
				p.emitSecurityEvent("dispatch_loop_stopped", map[string]any{"error": err.Error()})
				return
			}
		}
	}()
}
