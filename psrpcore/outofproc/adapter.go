package outofproc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Adapter turns a packet-oriented out-of-proc Transport into the
// io.ReadWriter a runspace pool reads PSRP fragments from: inbound Data
// packets are acknowledged and queued for Read, Write sends pool-scoped
// Data packets, and protocol acks (CommandAck/CloseAck/SignalAck) are
// routed to optional handlers. A background read loop owns the socket;
// Close stops it.
type Adapter struct {
	transport    *Transport
	runspaceGUID uuid.UUID

	readMu   sync.Mutex
	notifyCh chan struct{}

	pending [][]byte
	closed  bool
	readErr error

	ctx    context.Context
	cancel context.CancelFunc

	readLoopDone chan struct{}

	handlerMu    sync.RWMutex
	onCommandAck func(pipelineGUID uuid.UUID)
	onCloseAck   func(psGuid uuid.UUID)
	onSignalAck  func(psGuid uuid.UUID)

	readTimeout time.Duration
}

// NewAdapter wraps transport for the runspace pool identified by
// runspaceGUID and starts the read loop. Reads block until data arrives
// or the adapter is closed; use SetReadTimeout to bound them.
func NewAdapter(transport *Transport, runspaceGUID uuid.UUID) *Adapter {
	adapterCtx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		transport:    transport,
		runspaceGUID: runspaceGUID,
		pending:      make([][]byte, 0, 16),
		notifyCh:     make(chan struct{}, 1),
		ctx:          adapterCtx,
		cancel:       cancel,
		readLoopDone: make(chan struct{}),
	}

	go a.readLoop()
	return a
}

// SetReadTimeout bounds how long a single Read waits for data; zero (the
// default) means wait indefinitely.
func (a *Adapter) SetReadTimeout(d time.Duration) {
	a.readMu.Lock()
	a.readTimeout = d
	a.readMu.Unlock()
}

// OnCommandAck registers a handler invoked when the server acknowledges a
// Command packet.
func (a *Adapter) OnCommandAck(fn func(pipelineGUID uuid.UUID)) {
	a.handlerMu.Lock()
	a.onCommandAck = fn
	a.handlerMu.Unlock()
}

// OnCloseAck registers a handler invoked when the server acknowledges a
// Close packet.
func (a *Adapter) OnCloseAck(fn func(psGuid uuid.UUID)) {
	a.handlerMu.Lock()
	a.onCloseAck = fn
	a.handlerMu.Unlock()
}

// OnSignalAck registers a handler invoked when the server acknowledges a
// Signal packet.
func (a *Adapter) OnSignalAck(fn func(psGuid uuid.UUID)) {
	a.handlerMu.Lock()
	a.onSignalAck = fn
	a.handlerMu.Unlock()
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.readLoopDone)
		a.readMu.Lock()
		a.closed = true
		a.readMu.Unlock()
		select {
		case a.notifyCh <- struct{}{}:
		default:
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		packet, err := a.transport.ReceivePacket()
		if err != nil {
			a.readMu.Lock()
			a.readErr = err
			a.readMu.Unlock()
			select {
			case a.notifyCh <- struct{}{}:
			default:
			}
			return
		}

		switch packet.Type {
		case PacketTypeData:
			if err := a.transport.SendDataAck(packet.PSGuid); err != nil {
				_ = err
			}
			a.readMu.Lock()
			a.pending = append(a.pending, packet.Data)
			a.readMu.Unlock()
			select {
			case a.notifyCh <- struct{}{}:
			default:
			}
		case PacketTypeCommandAck:
			a.handlerMu.RLock()
			handler := a.onCommandAck
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(packet.PSGuid)
			}
		case PacketTypeCloseAck:
			a.handlerMu.RLock()
			handler := a.onCloseAck
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(packet.PSGuid)
			}
		case PacketTypeSignalAck:
			a.handlerMu.RLock()
			handler := a.onSignalAck
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(packet.PSGuid)
			}
		case PacketTypeClose:
			if err := a.transport.SendCloseAck(packet.PSGuid); err != nil {
				_ = err
			}
		case PacketTypeSignal:
			if err := a.transport.SendSignalAck(packet.PSGuid); err != nil {
				_ = err
			}
		}
	}
}

// Read returns the next queued inbound Data payload, blocking until one
// arrives, the adapter closes, or the configured read timeout elapses.
func (a *Adapter) Read(p []byte) (n int, err error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	var deadline time.Time
	if a.readTimeout > 0 {
		deadline = time.Now().Add(a.readTimeout)
	}

	for len(a.pending) == 0 && !a.closed && a.readErr == nil {
		a.readMu.Unlock()

		timer := time.NewTimer(1 * time.Second)
		select {
		case <-a.notifyCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-a.ctx.Done():
			timer.Stop()
			a.readMu.Lock()
			return 0, a.ctx.Err()
		}

		a.readMu.Lock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			if len(a.pending) > 0 || a.closed || a.readErr != nil {
				break
			}
			return 0, fmt.Errorf("read timeout: no data received in %s", a.readTimeout)
		}
	}

	if len(a.pending) > 0 {
		n = copy(p, a.pending[0])
		if n == len(a.pending[0]) {
			a.pending = a.pending[1:]
		} else {
			a.pending[0] = a.pending[0][n:]
		}
		return n, nil
	}

	if a.readErr != nil {
		return 0, a.readErr
	}
	if a.closed {
		return 0, io.EOF
	}
	return 0, nil
}

// Write sends pool-scoped PSRP fragment bytes as a Data packet.
func (a *Adapter) Write(p []byte) (int, error) {
	err := a.transport.SendData(NullGUID, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendCommand announces a new pipeline to the server.
func (a *Adapter) SendCommand(pipelineGUID uuid.UUID) error {
	return a.transport.SendCommand(pipelineGUID)
}

// SendPipelineData sends pipeline-scoped fragment bytes.
func (a *Adapter) SendPipelineData(pipelineGUID uuid.UUID, data []byte) error {
	time.Sleep(2 * time.Millisecond)
	return a.transport.SendData(pipelineGUID, data)
}

// SendSignal asks the server to stop the pipeline.
func (a *Adapter) SendSignal(pipelineGUID uuid.UUID) error {
	return a.transport.SendSignal(pipelineGUID)
}

// Close stops the read loop. It does not close the underlying socket;
// that belongs to whoever dialed it.
func (a *Adapter) Close() error {
	a.cancel()
	select {
	case <-a.readLoopDone:
	case <-time.After(300 * time.Millisecond):
	}
	return nil
}
