package runspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wingate-labs/psrp-go/psrpcore/fragments"
	"github.com/wingate-labs/psrp-go/psrpcore/hostcall"
	"github.com/wingate-labs/psrp-go/psrpcore/keyexchange"
	"github.com/wingate-labs/psrp-go/psrpcore/messages"
	"github.com/wingate-labs/psrp-go/psrpcore/pipeline"
)

// Sentinel errors a caller can match against with errors.Is.
var (
	ErrPoolNotOpened = errors.New("runspace: pool is not opened")
	ErrPoolBroken    = errors.New("runspace: pool is broken")
	ErrPoolClosed    = errors.New("runspace: pool is closed")
)

// ErrBroken and ErrClosed are short aliases for ErrPoolBroken/ErrPoolClosed,
// for callers (e.g. retry classification) that match against a pool error
// without the Pool-prefixed name.
var (
	ErrBroken = ErrPoolBroken
	ErrClosed = ErrPoolClosed
)

const (
	protocolVersion      = "2.3"
	psVersion            = "2.0"
	serializationVersion = "1.1.0.1"
)

// Pipeliner is the subset of *pipeline.Pipeline the pool needs to route
// inbound messages. It is an interface so that AttachPipeline and
// AdoptPipeline accept any implementation, not only *pipeline.Pipeline.
type Pipeliner interface {
	ID() uuid.UUID
	HandleMessage(msg *messages.Message) error
	Fail(err error)
}

// Pool is the client side of a PSRP RunspacePool: the session
// coordinator that drives the pool and pipeline state machines, wrapping
// the sans-IO core in a blocking call shape.
type Pool struct {
	mu sync.Mutex

	id        uuid.UUID
	transport Transport

	state RunspacePoolState

	fragmenter    *fragments.Fragmenter
	defragmenter  *fragments.Defragmenter
	keys          *keyexchange.State
	deferredCalls *hostcall.DeferredQueue

	minRunspaces int32
	maxRunspaces int32
	available    int32

	pipelines map[uuid.UUID]Pipeliner

	applicationPrivateData []byte
	pendingHostCalls       []hostcall.Call

	// SkipHandshakeSend is set by a transport backend (e.g. the WS-Man
	// Create-action backend) that has already delivered the handshake
	// fragments itself and wants Open to pick up from the response
	// instead of sending again.
	SkipHandshakeSend bool

	log *slog.Logger

	nextCallID int64

	securityEvent   SecurityEventCallback
	dispatchRunning bool
}

// RunspacePoolState re-exports messages.RunspacePoolState so callers don't
// need to import the messages package just to compare states.
type RunspacePoolState = messages.RunspacePoolState

// Re-exported state values, for the same reason.
const (
	RunspacePoolStateBeforeOpen           = messages.RunspacePoolStateBeforeOpen
	RunspacePoolStateOpening              = messages.RunspacePoolStateOpening
	RunspacePoolStateOpened               = messages.RunspacePoolStateOpened
	RunspacePoolStateClosed               = messages.RunspacePoolStateClosed
	RunspacePoolStateClosing              = messages.RunspacePoolStateClosing
	RunspacePoolStateBroken               = messages.RunspacePoolStateBroken
	RunspacePoolStateNegotiationSent      = messages.RunspacePoolStateNegotiationSent
	RunspacePoolStateNegotiationSucceeded = messages.RunspacePoolStateNegotiationSucceeded
	RunspacePoolStateConnecting           = messages.RunspacePoolStateConnecting
	RunspacePoolStateDisconnected         = messages.RunspacePoolStateDisconnected
)

// New constructs a Pool bound to transport, identified by its pool id;
// min/max runspace counts default to 1 until set.
func New(transport Transport, id uuid.UUID) *Pool {
	return &Pool{
		id:            id,
		transport:     transport,
		state:         messages.RunspacePoolStateBeforeOpen,
		fragmenter:    fragments.NewFragmenter(32 * 1024),
		defragmenter:  fragments.NewDefragmenter(),
		keys:          keyexchange.NewState(nil),
		deferredCalls: hostcall.NewDeferredQueue(),
		minRunspaces:  1,
		maxRunspaces:  1,
		pipelines:     make(map[uuid.UUID]Pipeliner),
		log:           slog.Default(),
	}
}

// ID returns the RunspacePool's identifier (rpid).
func (p *Pool) ID() uuid.UUID { return p.id }

// SetRunspaceRange configures the min/max runspace count sent with the
// next handshake. Must be called before Open.
func (p *Pool) SetRunspaceRange(min, max int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minRunspaces = min
	p.maxRunspaces = max
}

// SetLogger overrides the pool's logger.
func (p *Pool) SetLogger(l *slog.Logger) {
	if l != nil {
		p.log = l
	}
}

// State returns the current RunspacePool state.
func (p *Pool) State() RunspacePoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AvailableRunspaces returns the most recently known available count.
func (p *Pool) AvailableRunspaces() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// RunspaceUtilization returns (available, total).
func (p *Pool) RunspaceUtilization() (available, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.available), int(p.maxRunspaces)
}

func (p *Pool) nextCall() int64 {
	p.nextCallID++
	return p.nextCallID
}

func (p *Pool) encode(msgType messages.Type, data []byte) ([]byte, error) {
	msg := &messages.Message{
		Destination: messages.DestinationServer,
		Type:        msgType,
		RunspaceID:  p.id,
		PipelineID:  uuid.Nil,
		Data:        data,
	}
	return msg.Encode()
}

// GetHandshakeFragments builds the SessionCapability + InitRunspacePool
// messages, fragments them, and returns the wire bytes a transport backend
// should embed in its opening request.
func (p *Pool) GetHandshakeFragments() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessionCap, err := p.encode(messages.MessageTypeSessionCapability,
		messages.EncodeSessionCapability(protocolVersion, psVersion, serializationVersion))
	if err != nil {
		return nil, fmt.Errorf("runspace: encode SessionCapability: %w", err)
	}
	init, err := p.encode(messages.MessageTypeInitRunspacePool,
		messages.EncodeInitRunspacePool(p.minRunspaces, p.maxRunspaces))
	if err != nil {
		return nil, fmt.Errorf("runspace: encode InitRunspacePool: %w", err)
	}

	groups := p.fragmenter.FragmentMultiple([][]byte{sessionCap, init})
	p.state = messages.RunspacePoolStateNegotiationSent
	return encodeFragmentGroups(groups), nil
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

// GetConnectHandshakeFragments builds the ConnectRunspacePool message
// used to reattach to a disconnected pool.
func (p *Pool) GetConnectHandshakeFragments() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	connect, err := p.encode(messages.MessageTypeConnectRunspacePool, messages.EncodeConnectRunspacePool())
	if err != nil {
		return nil, fmt.Errorf("runspace: encode ConnectRunspacePool: %w", err)
	}
	groups := p.fragmenter.FragmentMultiple([][]byte{connect})
	p.state = messages.RunspacePoolStateConnecting
	return encodeFragmentGroups(groups), nil
}

// ProcessConnectResponse parses the response to a Connect action and
// updates the pool's state accordingly.
func (p *Pool) ProcessConnectResponse(data []byte) error {
	return p.ingestBytes(context.Background(), data)
}

// ResumeOpened marks a reconnected pool as Opened without requiring a
// fresh RunspacepoolState message, for backends whose Connect response
// already implies success.
func (p *Pool) ResumeOpened() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = messages.RunspacePoolStateOpened
}

func encodeFragmentGroups(groups [][]fragments.Fragment) []byte {
	var out []byte
	for _, group := range groups {
		for _, f := range group {
			out = append(out, f.Encode()...)
		}
	}
	return out
}

// Open drives the RunspacePool through negotiation to the Opened state.
// If SkipHandshakeSend is false, it sends the handshake itself; either
// way it reads and processes responses until the pool opens, is reported
// broken, or ctx is done.
func (p *Pool) Open(ctx context.Context) error {
	if !p.SkipHandshakeSend {
		fragBytes, err := p.GetHandshakeFragments()
		if err != nil {
			return err
		}
		if err := writeAll(p.transport, fragBytes); err != nil {
			return fmt.Errorf("runspace: send handshake: %w", err)
		}
	}

	for {
		if p.State() == messages.RunspacePoolStateOpened {
			return nil
		}
		if p.State() == messages.RunspacePoolStateBroken {
			return ErrPoolBroken
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := p.readAndHandleOne(ctx); err != nil {
			return err
		}
	}
}

// Connect drives a reconnect to an existing (disconnected) pool: it
// sends the ConnectRunspacePool handshake and processes responses until
// the server reports the pool Opened. With SkipHandshakeSend set, the
// handshake and its response are assumed to have been exchanged by the
// backend already and the pool is marked Opened directly. Either way the
// background dispatch loop is started once the pool is open.
func (p *Pool) Connect(ctx context.Context) error {
	if p.SkipHandshakeSend {
		p.ResumeOpened()
		p.StartDispatchLoop()
		return nil
	}

	fragBytes, err := p.GetConnectHandshakeFragments()
	if err != nil {
		return err
	}
	if err := writeAll(p.transport, fragBytes); err != nil {
		return fmt.Errorf("runspace: send connect handshake: %w", err)
	}

	for {
		if p.State() == messages.RunspacePoolStateOpened {
			p.StartDispatchLoop()
			return nil
		}
		if p.State() == messages.RunspacePoolStateBroken {
			return ErrPoolBroken
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := p.readAndHandleOne(ctx); err != nil {
			return err
		}
	}
}

// Close transitions the pool to Closed. PSRP has no dedicated
// CloseRunspacePool message (the underlying shell/shell resource is
// deleted at the transport layer); this just finalizes local state.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = messages.RunspacePoolStateClosed
	return nil
}

// SendGetAvailableRunspaces asks the server how many runspaces are free
// and blocks until the RunspaceAvailability response updates p.available.
func (p *Pool) SendGetAvailableRunspaces(ctx context.Context) error {
	p.mu.Lock()
	callID := p.nextCall()
	data, err := p.encode(messages.MessageTypeGetAvailableRunspaces, messages.EncodeGetAvailableRunspaces(callID))
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("runspace: encode GetAvailableRunspaces: %w", err)
	}
	groups := p.fragmenter.FragmentMultiple([][]byte{data})
	if err := writeAll(p.transport, encodeFragmentGroups(groups)); err != nil {
		return fmt.Errorf("runspace: send GetAvailableRunspaces: %w", err)
	}

	for {
		changed, err := p.readAndHandleOne(ctx)
		if err != nil {
			return err
		}
		if changed {
			return nil
		}
	}
}

// AttachPipeline registers a pipeline so incoming messages addressed to
// its id are routed to it.
func (p *Pool) AttachPipeline(pl Pipeliner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipelines[pl.ID()] = pl
}

// DetachPipeline removes a pipeline from routing once it's terminal.
func (p *Pool) DetachPipeline(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pipelines, id)
}

// SendToPipeline fragments and sends a message addressed to a pipeline
// (CreatePipeline, PipelineInput, EndOfPipelineInput, PipelineHostResponse).
func (p *Pool) SendToPipeline(ctx context.Context, pipelineID uuid.UUID, msgType messages.Type, data []byte) error {
	msg := &messages.Message{
		Destination: messages.DestinationServer,
		Type:        msgType,
		RunspaceID:  p.id,
		PipelineID:  pipelineID,
		Data:        data,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("runspace: encode pipeline message: %w", err)
	}
	groups := p.fragmenter.FragmentMultiple([][]byte{encoded})
	return writeAll(p.transport, encodeFragmentGroups(groups))
}

// Receive pulls and processes the next inbound message, routing pipeline
// messages to their attached pipeline. Callers that manage their own read
// loop (e.g. a streaming out-of-proc transport) use this instead of Open's
// internal loop.
func (p *Pool) Receive(ctx context.Context) error {
	_, err := p.readAndHandleOne(ctx)
	return err
}

// readAndHandleOne reads fragments off the transport stream until one
// complete message assembles, then applies it, reporting whether the
// availability count changed (SendGetAvailableRunspaces uses this to know
// when to stop polling).
func (p *Pool) readAndHandleOne(ctx context.Context) (availabilityChanged bool, err error) {
	for {
		f, err := readFragment(p.transport)
		if err != nil {
			p.markBroken()
			return false, err
		}
		p.mu.Lock()
		blob, ok, err := p.defragmenter.Feed(f)
		p.mu.Unlock()
		if err != nil {
			p.markBroken()
			return false, fmt.Errorf("runspace: defragment: %w", err)
		}
		if !ok {
			continue
		}
		msg, err := messages.Decode(blob)
		if err != nil {
			p.markBroken()
			return false, fmt.Errorf("runspace: decode message: %w", err)
		}
		return p.handleMessage(ctx, msg)
	}
}

// ingestBytes processes an already-received blob that may hold several
// back-to-back fragments (e.g. a WS-Man Connect response body), as opposed
// to readAndHandleOne's one-fragment-at-a-time stream reads.
func (p *Pool) ingestBytes(ctx context.Context, data []byte) error {
	p.mu.Lock()
	msgBlobs, err := p.defragmenter.FeedBytes(data)
	p.mu.Unlock()
	if err != nil {
		p.markBroken()
		return fmt.Errorf("runspace: defragment: %w", err)
	}

	for _, blob := range msgBlobs {
		msg, err := messages.Decode(blob)
		if err != nil {
			p.markBroken()
			return fmt.Errorf("runspace: decode message: %w", err)
		}
		if _, err := p.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) markBroken() {
	p.mu.Lock()
	p.state = messages.RunspacePoolStateBroken
	p.mu.Unlock()
}

func (p *Pool) handleMessage(ctx context.Context, msg *messages.Message) (availabilityChanged bool, err error) {
	if msg.PipelineID != uuid.Nil {
		p.mu.Lock()
		pl, ok := p.pipelines[msg.PipelineID]
		p.mu.Unlock()
		if ok {
			if err := pl.HandleMessage(msg); err != nil {
				pl.Fail(err)
			}
			return false, nil
		}
	}

	switch msg.Type {
	case messages.MessageTypeSessionCapability:
		// Acknowledging the server's capability reply; nothing to extract
		// beyond confirming protocol agreement.
		return false, nil

	case messages.MessageTypeRunspacePoolState:
		state, err := messages.DecodeRunspacePoolState(msg.Data)
		if err != nil {
			return false, fmt.Errorf("runspace: %w", err)
		}
		p.mu.Lock()
		p.state = state
		p.mu.Unlock()
		return false, nil

	case messages.MessageTypePublicKeyRequest:
		return false, p.initiateKeyExchange(ctx)

	case messages.MessageTypeEncryptedSessionKey:
		return false, p.handleEncryptedSessionKey(msg.Data)

	case messages.MessageTypeApplicationPrivateData:
		p.mu.Lock()
		p.applicationPrivateData = msg.Data
		p.mu.Unlock()
		return false, nil

	case messages.MessageTypeRunspaceAvailability:
		count, err := messages.DecodeRunspaceAvailability(msg.Data)
		if err != nil {
			return false, fmt.Errorf("runspace: %w", err)
		}
		p.mu.Lock()
		p.available = int32(count)
		p.mu.Unlock()
		return true, nil

	case messages.MessageTypeRunspacepoolHostCall:
		return false, p.handleHostCall(ctx, msg)

	default:
		return false, fmt.Errorf("runspace: unexpected top-level message type %s", msg.Type)
	}
}

// handleHostCall routes an inbound host call: a call carrying a
// SecureString is queued until the session key is established; any other
// call is surfaced immediately (the caller drains it via DrainHostCalls).
func (p *Pool) handleHostCall(ctx context.Context, msg *messages.Message) error {
	call, err := hostcall.DecodeCall(msg.Data, nil)
	if err != nil {
		return fmt.Errorf("runspace: %w", err)
	}

	p.mu.Lock()
	needsKey := call.InvolvesSecureString() && !p.keys.HasSessionKey()
	if needsKey {
		p.deferredCalls.Push(call)
	} else {
		p.pendingHostCalls = append(p.pendingHostCalls, call)
	}
	keyPending := p.keys.Pending()
	p.mu.Unlock()

	if needsKey && !keyPending {
		return p.initiateKeyExchange(ctx)
	}
	return nil
}

// initiateKeyExchange generates (once per pool) an RSA keypair and sends
// the PublicKey message.
func (p *Pool) initiateKeyExchange(ctx context.Context) error {
	p.mu.Lock()
	if p.keys.Pending() {
		p.mu.Unlock()
		return nil
	}
	if err := p.keys.EnsureKeyPair(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("runspace: %w", err)
	}
	p.keys.SetPending()
	p.mu.Unlock()
	p.emitSecurityEvent("key_exchange_started", map[string]any{"pool": p.id.String()})
	p.mu.Lock()
	blob, err := p.keys.PublicKeyBlob()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("runspace: %w", err)
	}
	encoded, err := p.encode(messages.MessageTypePublicKey, messages.EncodePublicKey(blob))
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("runspace: encode PublicKey: %w", err)
	}
	groups := p.fragmenter.FragmentMultiple([][]byte{encoded})
	p.mu.Unlock()

	if err := writeAll(p.transport, encodeFragmentGroups(groups)); err != nil {
		return fmt.Errorf("runspace: send PublicKey: %w", err)
	}
	return nil
}

// handleEncryptedSessionKey decrypts the session key and, on success,
// releases every deferred host call in FIFO order.
func (p *Pool) handleEncryptedSessionKey(data []byte) error {
	blob, err := messages.DecodeEncryptedSessionKey(data)
	if err != nil {
		return fmt.Errorf("runspace: %w", err)
	}

	p.mu.Lock()
	if err := p.keys.DecryptSessionKey(blob); err != nil {
		p.state = messages.RunspacePoolStateBroken
		p.mu.Unlock()
		return fmt.Errorf("runspace: %w", err)
	}
	released := p.deferredCalls.Drain()
	p.pendingHostCalls = append(p.pendingHostCalls, released...)
	p.mu.Unlock()
	p.emitSecurityEvent("session_key_established", map[string]any{
		"pool":               p.id.String(),
		"deferred_calls_run": len(released),
	})
	return nil
}

// DrainHostCalls returns and clears every host call surfaced so far
// (i.e. not deferred pending the session key).
func (p *Pool) DrainHostCalls() []hostcall.Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pendingHostCalls
	p.pendingHostCalls = nil
	return out
}

// SessionKey returns the established AES session key, or nil if none.
func (p *Pool) SessionKey() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys.SessionKey()
}

// CreatePipeline builds a new pipeline for script, attached to this pool
// so its inbound messages are routed automatically.
func (p *Pool) CreatePipeline(script string) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != messages.RunspacePoolStateOpened {
		return nil, ErrPoolNotOpened
	}
	pl := pipeline.New(p, p.id, script)
	p.AttachPipeline(pl)
	return pl, nil
}

// SendHostResponse encodes and sends a RunspacepoolHostResponse.
func (p *Pool) SendHostResponse(ctx context.Context, resp hostcall.Response) error {
	p.mu.Lock()
	encoded, err := p.encode(messages.MessageTypeRunspacepoolHostResponse, hostcall.EncodeResponse(resp))
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("runspace: encode host response: %w", err)
	}
	groups := p.fragmenter.FragmentMultiple([][]byte{encoded})
	return writeAll(p.transport, encodeFragmentGroups(groups))
}
