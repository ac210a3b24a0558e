package client

import (
	"context"

	"github.com/wingate-labs/psrp-go/psrpcore/hostcall"
	"github.com/wingate-labs/psrp-go/psrpcore/pipeline"
)

// SetHost registers the hostcall.Host implementation that answers
// PSHost/PSHostUserInterface calls the server sends back to the client
// (ReadLine, Write*, Prompt*). Without one, calls that expect a result
// are answered with an error response so pipelines don't hang waiting.
func (c *Client) SetHost(h hostcall.Host) {
	c.mu.Lock()
	c.host = h
	c.mu.Unlock()
}

// servePipelineHostCalls drains a pipeline's host-call channel, dispatches
// each call against the registered Host, and sends responses for calls
// that produced a result or an error (void Write*-style calls get none).
func (c *Client) servePipelineHostCalls(ctx context.Context, pl *pipeline.Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.Done():
			return
		case call, ok := <-pl.HostCalls():
			if !ok {
				return
			}

			c.mu.Lock()
			host := c.host
			c.mu.Unlock()

			var resp hostcall.Response
			if host != nil {
				resp = hostcall.Dispatch(host, call)
			}
			if !call.MethodID.WantsResponse() {
				continue // void call, no response on the wire
			}
			if host == nil {
				resp = hostcall.Response{CallID: call.CallID, MethodID: call.MethodID, PipelineID: call.PipelineID}
				msg := "no host registered to answer " + call.MethodID.String()
				resp.Error = &msg
			}
			if err := pl.SendHostResponse(ctx, resp); err != nil {
				c.logWarn("host call response failed: %v", err)
			}
		}
	}
}
