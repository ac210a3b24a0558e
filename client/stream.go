package client

import (
	"context"
	"errors"

	"github.com/wingate-labs/psrp-go/psrpcore/messages"
	"github.com/wingate-labs/psrp-go/psrpcore/pipeline"
	"github.com/wingate-labs/psrp-go/psrpcore/serialization"
)

// StreamResult represents the streaming result of a PowerShell command execution.
// Use Wait() to block until completion or consume channels directly.
type StreamResult struct {
	pipeline *pipeline.Pipeline
	ctx      context.Context
	cleanup  func()

	// Output streams - consume these channels to get output as it arrives
	Output      <-chan *messages.Message
	Errors      <-chan *messages.Message
	Warnings    <-chan *messages.Message
	Verbose     <-chan *messages.Message
	Debug       <-chan *messages.Message
	Progress    <-chan *messages.Message
	Information <-chan *messages.Message
}

// Wait blocks until the pipeline completes and returns the final error (if any).
// After Wait returns, all channels are closed.
func (sr *StreamResult) Wait() error {
	err := sr.pipeline.Wait(sr.ctx)
	sr.cleanup()
	return err
}

// State reports the pipeline's current state.
func (sr *StreamResult) State() messages.PipelineState {
	return sr.pipeline.State()
}

// Cancel cancels the pipeline execution.
func (sr *StreamResult) Cancel() {
	sr.pipeline.Cancel()
}

// SendInput sends one chunk of pipeline input, serialized as a byte
// array so the remote script's $input sees [byte[]] items.
func (sr *StreamResult) SendInput(ctx context.Context, data []byte) error {
	return sr.pipeline.SendInput(ctx, serialization.Bytes(data))
}

// CloseInput signals end of pipeline input.
func (sr *StreamResult) CloseInput(ctx context.Context) error {
	return sr.pipeline.CloseInput(ctx)
}

// ExecuteStream runs a PowerShell script asynchronously and returns a StreamResult
// that provides access to output as it is produced.
// The caller is responsible for consuming the output channels and calling Wait().
func (c *Client) ExecuteStream(ctx context.Context, script string) (*StreamResult, error) {
	return c.executeStream(ctx, script, true)
}

// ExecuteStreamWithInput starts a pipeline like ExecuteStream but leaves
// the input stream open: the caller feeds it with SendInput and must call
// CloseInput once done, or the script's $input enumeration never ends.
func (c *Client) ExecuteStreamWithInput(ctx context.Context, script string) (*StreamResult, error) {
	return c.executeStream(ctx, script, false)
}

func (c *Client) executeStream(ctx context.Context, script string, closeInput bool) (*StreamResult, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	semaphore := c.semaphore
	c.mu.Unlock()

	// Acquire an execution slot
	if semaphore != nil {
		if err := semaphore.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	release := func() {
		if semaphore != nil {
			semaphore.Release()
		}
	}

	// Create, prepare, and invoke the pipeline
	psrpPipeline, pipelineTransport, cleanupBackend, err := c.startPipeline(ctx, script)
	if err != nil {
		release()
		return nil, err
	}

	// Per-pipeline receive loop for backends that return a dedicated
	// transport (WSMan); out-of-proc backends share the pool transport
	// and return nil here.
	if pipelineTransport != nil {
		go c.runPipelineReceive(ctx, pipelineTransport, psrpPipeline)
	}

	// Answer host callbacks (ReadLine, Write*, Prompt*) for this pipeline.
	go c.servePipelineHostCalls(ctx, psrpPipeline)

	// Close input for plain script execution; input-fed pipelines keep it
	// open until the caller's CloseInput.
	if closeInput {
		_ = psrpPipeline.CloseInput(ctx)
	}

	sr := &StreamResult{
		pipeline:    psrpPipeline,
		ctx:         ctx,
		Output:      psrpPipeline.Output(),
		Errors:      psrpPipeline.Error(),
		Warnings:    psrpPipeline.Warning(),
		Verbose:     psrpPipeline.Verbose(),
		Debug:       psrpPipeline.Debug(),
		Progress:    psrpPipeline.Progress(),
		Information: psrpPipeline.Information(),
		cleanup: func() {
			cleanupBackend()
			release()
		},
	}

	return sr, nil
}
