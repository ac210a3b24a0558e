package messages

// RunspacePoolState mirrors the server-reported runspace pool state
// carried in a RunspacePoolState message.
type RunspacePoolState int32

// RunspacePoolState values, matching MS-PSRP's RunspacePoolState enum.
const (
	RunspacePoolStateBeforeOpen           RunspacePoolState = 0
	RunspacePoolStateOpening              RunspacePoolState = 1
	RunspacePoolStateOpened               RunspacePoolState = 2
	RunspacePoolStateClosed               RunspacePoolState = 3
	RunspacePoolStateClosing              RunspacePoolState = 4
	RunspacePoolStateBroken               RunspacePoolState = 5
	RunspacePoolStateNegotiationSent      RunspacePoolState = 6
	RunspacePoolStateNegotiationSucceeded RunspacePoolState = 7
	RunspacePoolStateConnecting           RunspacePoolState = 8
	RunspacePoolStateDisconnected         RunspacePoolState = 9
)

// PipelineState mirrors the server-reported pipeline state carried in a
// PipelineState message.
type PipelineState int32

// PipelineState values, matching MS-PSRP's PSInvocationState enum.
const (
	PipelineStateNotStarted   PipelineState = 0
	PipelineStateRunning      PipelineState = 1
	PipelineStateStopping     PipelineState = 2
	PipelineStateStopped      PipelineState = 3
	PipelineStateCompleted    PipelineState = 4
	PipelineStateFailed       PipelineState = 5
	PipelineStateDisconnected PipelineState = 6
)

// IsTerminal reports whether a pipeline in this state is done running.
func (s PipelineState) IsTerminal() bool {
	switch s {
	case PipelineStateCompleted, PipelineStateFailed, PipelineStateStopped:
		return true
	default:
		return false
	}
}
