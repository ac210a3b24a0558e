// Package pipeline implements the PSRP pipeline state machine: invoking
// a command in a RunspacePool and streaming back its output, error, and
// informational records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/wingate-labs/psrp-go/psrpcore/hostcall"
	"github.com/wingate-labs/psrp-go/psrpcore/keyexchange"
	"github.com/wingate-labs/psrp-go/psrpcore/messages"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// Sentinel errors for state-machine precondition violations.
var (
	ErrAlreadyInvoked = errors.New("pipeline: already invoked")
	ErrNotRunning     = errors.New("pipeline: not running")
)

// PoolSender is the subset of *runspace.Pool a Pipeline needs. Kept as a
// local interface (rather than importing runspace) to avoid an import
// cycle: runspace.Pool.CreatePipeline constructs a *Pipeline, and a
// *runspace.Pool satisfies this interface structurally.
type PoolSender interface {
	SendToPipeline(ctx context.Context, pipelineID uuid.UUID, msgType messages.Type, data []byte) error
	SessionKey() []byte
}

// Pipeline is a single PSRP command invocation within a RunspacePool.
type Pipeline struct {
	mu sync.Mutex

	id         uuid.UUID
	runspaceID uuid.UUID
	pool       PoolSender
	script     string
	extraCmds  []messages.Command

	state      messages.PipelineState
	invoked    bool
	skipInvoke bool

	err  error
	done chan struct{}

	output      chan *messages.Message
	errors      chan *messages.Message
	warnings    chan *messages.Message
	verbose     chan *messages.Message
	debug       chan *messages.Message
	progress    chan *messages.Message
	information chan *messages.Message
	hostCalls   chan hostcall.Call
}

// New creates a pipeline with a freshly generated id.
func New(pool PoolSender, runspaceID uuid.UUID, script string) *Pipeline {
	return NewWithID(pool, runspaceID, uuid.New(), script)
}

// NewWithID creates a pipeline with an explicit id, used when reattaching
// to a disconnected pipeline or when a caller needs to know the id before
// the invocation is sent.
func NewWithID(pool PoolSender, runspaceID, id uuid.UUID, script string) *Pipeline {
	return &Pipeline{
		id:          id,
		runspaceID:  runspaceID,
		pool:        pool,
		script:      script,
		state:       messages.PipelineStateNotStarted,
		done:        make(chan struct{}),
		output:      make(chan *messages.Message, 16),
		errors:      make(chan *messages.Message, 16),
		warnings:    make(chan *messages.Message, 16),
		verbose:     make(chan *messages.Message, 16),
		debug:       make(chan *messages.Message, 16),
		progress:    make(chan *messages.Message, 16),
		information: make(chan *messages.Message, 16),
		hostCalls:   make(chan hostcall.Call, 4),
	}
}

// Output streams PipelineOutput records.
func (p *Pipeline) Output() <-chan *messages.Message { return p.output }

// Error streams ErrorRecord records.
func (p *Pipeline) Error() <-chan *messages.Message { return p.errors }

// Warning streams WarningRecord records.
func (p *Pipeline) Warning() <-chan *messages.Message { return p.warnings }

// Verbose streams VerboseRecord records.
func (p *Pipeline) Verbose() <-chan *messages.Message { return p.verbose }

// Debug streams DebugRecord records.
func (p *Pipeline) Debug() <-chan *messages.Message { return p.debug }

// Progress streams ProgressRecord records.
func (p *Pipeline) Progress() <-chan *messages.Message { return p.progress }

// Information streams InformationRecord records.
func (p *Pipeline) Information() <-chan *messages.Message { return p.information }

// HostCalls streams PipelineHostCall invocations awaiting a response.
func (p *Pipeline) HostCalls() <-chan hostcall.Call { return p.hostCalls }

// ID returns the pipeline's command id.
func (p *Pipeline) ID() uuid.UUID { return p.id }

// State returns the current pipeline state.
func (p *Pipeline) State() messages.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SkipInvokeSend marks that a transport backend has already delivered the
// CreatePipeline payload itself (e.g. as a WS-Man Command body), so Invoke
// should only wait for completion rather than sending again.
func (p *Pipeline) SkipInvokeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipInvoke = true
}

// AddCommand appends a command to the pipeline's command list. Commands
// can only be added before Invoke.
func (p *Pipeline) AddCommand(cmd messages.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invoked {
		return ErrAlreadyInvoked
	}
	p.extraCmds = append(p.extraCmds, cmd)
	return nil
}

// commands returns the full ordered command list: the constructor script
// followed by anything appended with AddCommand.
func (p *Pipeline) commands() []messages.Command {
	cmds := make([]messages.Command, 0, 1+len(p.extraCmds))
	cmds = append(cmds, messages.Command{Text: p.script, IsScript: true})
	cmds = append(cmds, p.extraCmds...)
	return cmds
}

// GetCreatePipelineDataWithID builds the CreatePipeline payload for this
// pipeline's command list. msgID does not appear in the payload: the
// result is the same for every msgID.
func (p *Pipeline) GetCreatePipelineDataWithID(msgID uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return messages.EncodeCreatePipelineCommands(p.commands()), nil
}

// Invoke sends CreatePipeline (unless SkipInvokeSend was called) and marks
// the pipeline Running.
func (p *Pipeline) Invoke(ctx context.Context) error {
	p.mu.Lock()
	if p.invoked {
		p.mu.Unlock()
		return ErrAlreadyInvoked
	}
	p.invoked = true
	skip := p.skipInvoke
	p.mu.Unlock()

	if !skip {
		p.mu.Lock()
		data := messages.EncodeCreatePipelineCommands(p.commands())
		p.mu.Unlock()
		if err := p.pool.SendToPipeline(ctx, p.runspaceID, messages.MessageTypeCreatePipeline, data); err != nil {
			return fmt.Errorf("pipeline: send CreatePipeline: %w", err)
		}
	}

	p.mu.Lock()
	p.state = messages.PipelineStateRunning
	p.mu.Unlock()
	return nil
}

// HandleMessage applies one inbound message addressed to this pipeline.
// Messages arriving after the terminal state are dropped; the routing
// entry is already on its way out.
func (p *Pipeline) HandleMessage(msg *messages.Message) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	switch msg.Type {
	case messages.MessageTypePipelineOutput:
		p.output <- msg
	case messages.MessageTypeErrorRecord:
		p.errors <- msg
	case messages.MessageTypeWarningRecord:
		p.warnings <- msg
	case messages.MessageTypeVerboseRecord:
		p.verbose <- msg
	case messages.MessageTypeDebugRecord:
		p.debug <- msg
	case messages.MessageTypeProgressRecord:
		p.progress <- msg
	case messages.MessageTypeInformationRecord:
		p.information <- msg
	case messages.MessageTypePipelineHostCall:
		pidStr := p.id.String()
		call, err := hostcall.DecodeCall(msg.Data, &pidStr)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		p.hostCalls <- call
	case messages.MessageTypePipelineState:
		state, err := messages.DecodePipelineState(msg.Data)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		p.setState(state)
	default:
		return fmt.Errorf("pipeline: unexpected message type %s", msg.Type)
	}
	return nil
}

func (p *Pipeline) setState(state messages.PipelineState) {
	p.mu.Lock()
	p.state = state
	terminal := state.IsTerminal()
	p.mu.Unlock()
	if terminal {
		p.closeDone()
	}
}

// closeDone marks the pipeline terminal: it closes done and the stream
// channels, ending consumer range loops. All message delivery for one
// pipeline happens on a single receive goroutine, so no send can race
// the close.
func (p *Pipeline) closeDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	close(p.output)
	close(p.errors)
	close(p.warnings)
	close(p.verbose)
	close(p.debug)
	close(p.progress)
	close(p.information)
	close(p.hostCalls)
}

// Cancel marks a running pipeline as Stopping. The caller is responsible
// for signalling the server (WS-Man Signal terminate, or an out-of-proc
// Signal packet); the definitive terminal state arrives with the
// subsequent PipelineState message, which unblocks Wait.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	if p.state == messages.PipelineStateRunning {
		p.state = messages.PipelineStateStopping
	}
	p.mu.Unlock()
}

// Fail marks the pipeline Failed and unblocks Wait with err.
func (p *Pipeline) Fail(err error) {
	p.mu.Lock()
	p.state = messages.PipelineStateFailed
	p.err = err
	p.mu.Unlock()
	p.closeDone()
}

// Done returns a channel closed once the pipeline reaches a terminal
// state.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Wait blocks until the pipeline reaches a terminal state or ctx is done,
// returning any failure error.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendHostResponse answers a PipelineHostCall. A SecureString result
// (ReadLineAsSecureString, PromptForCredential) is sealed under the
// pool's session key first; sending one before the key exchange
// completed is an error.
func (p *Pipeline) SendHostResponse(ctx context.Context, resp hostcall.Response) error {
	if resp.Result != nil && keyexchange.ContainsSecureString(resp.Result) {
		key := p.pool.SessionKey()
		if key == nil {
			return fmt.Errorf("pipeline: host response carries a SecureString but no session key is established")
		}
		sealed, err := keyexchange.SealTree(resp.Result, key)
		if err != nil {
			return fmt.Errorf("pipeline: seal host response: %w", err)
		}
		resp.Result = sealed
	}
	return p.pool.SendToPipeline(ctx, p.runspaceID, messages.MessageTypePipelineHostResponse, hostcall.EncodeResponse(resp))
}

// SendInput streams one object into the pipeline's input stream.
// SecureString values are sealed under the pool's session key first.
func (p *Pipeline) SendInput(ctx context.Context, value serialization.PsValue) error {
	if keyexchange.ContainsSecureString(value) {
		key := p.pool.SessionKey()
		if key == nil {
			return fmt.Errorf("pipeline: input carries a SecureString but no session key is established")
		}
		sealed, err := keyexchange.SealTree(value, key)
		if err != nil {
			return fmt.Errorf("pipeline: seal input: %w", err)
		}
		value = sealed
	}
	e := serialization.NewEmitter()
	data, err := e.EmitDocument(value)
	if err != nil {
		return fmt.Errorf("pipeline: encode input: %w", err)
	}
	return p.pool.SendToPipeline(ctx, p.runspaceID, messages.MessageTypePipelineInput, data)
}

// CloseInput sends EndOfPipelineInput.
func (p *Pipeline) CloseInput(ctx context.Context) error {
	return p.pool.SendToPipeline(ctx, p.runspaceID, messages.MessageTypeEndOfPipelineInput, nil)
}
