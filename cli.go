package rosbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/brightloop/rosbridge-client/internal/protocol"
)

// CLIResult is the decoded outcome of an ExecCLI call.
type CLIResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// pendingCLI is an outstanding ExecCLI call awaiting a cli_response.
type pendingCLI struct {
	command  string
	resultCh chan cliResult
	timer    *time.Timer
}

type cliResult struct {
	result *CLIResult
	err    error
}

// CLIOption customizes an ExecCLI call.
type CLIOption func(*cliOptions)

type cliOptions struct {
	id      string
	timeout time.Duration
}

// WithCLIID supplies the correlation id instead of generating one.
func WithCLIID(id string) CLIOption {
	return func(o *cliOptions) { o.id = id }
}

// WithCLITimeout sets a timeout for this call. Without it, or with
// zero, the call has no timeout; the client has no default.
func WithCLITimeout(d time.Duration) CLIOption {
	return func(o *cliOptions) { o.timeout = d }
}

// ExecCLI requests execution of command with args on the remote side
// and blocks until a matching cli_response arrives, ctx is done, or the
// call times out.
func (c *Client) ExecCLI(ctx context.Context, command string, args []string, opts ...CLIOption) (*CLIResult, error) {
	var o cliOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = c.idGenerator()
	}

	resultCh := make(chan cliResult, 1)
	submitErrCh := make(chan error, 1)
	ok := c.submit(func(ls *loopState) {
		submitErrCh <- ls.startCLIRequest(o.id, command, args, o.timeout, resultCh)
	})
	if !ok {
		return nil, ErrClosed
	}
	if err := <-submitErrCh; err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneChan:
		return nil, ErrClosed
	}
}

func (ls *loopState) startCLIRequest(id, command string, args []string, timeout time.Duration, resultCh chan cliResult) error {
	env, err := ls.buildEnvelope(func(b protocol.Builder) map[string]any {
		return b.CLIRequest(id, command, args)
	})
	if err != nil {
		return err
	}

	pc := &pendingCLI{command: command, resultCh: resultCh}
	ls.pendingCLI[id] = pc

	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() {
			ls.client.submit(func(ls *loopState) {
				if cur, ok := ls.pendingCLI[id]; ok && cur == pc {
					delete(ls.pendingCLI, id)
					pc.resultCh <- cliResult{err: fmt.Errorf("rosbridge: cli %q: %w", command, ErrTimeout)}
				}
			})
		})
	}

	if err := ls.send(env); err != nil {
		delete(ls.pendingCLI, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		return err
	}
	return nil
}

// completeCLIResponse resolves or fails a pending CLI request found by
// id.
func (ls *loopState) completeCLIResponse(id string, result bool, stdout, stderr string, exitCode int, errMsg string) {
	pc, ok := ls.pendingCLI[id]
	if !ok {
		return
	}
	delete(ls.pendingCLI, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if result {
		pc.resultCh <- cliResult{result: &CLIResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}}
		return
	}
	if errMsg == "" {
		errMsg = fmt.Sprintf("cli %q execution failed", pc.command)
	}
	pc.resultCh <- cliResult{err: fmt.Errorf("rosbridge: %s", errMsg)}
}
