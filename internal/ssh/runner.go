package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/remex/internal/logging"
)

// timeoutGrace is how long a timed out command may keep flushing output
// after its channel is closed.
const timeoutGrace = 100 * time.Millisecond

// Execute runs command and waits for it. A timeout returns the partial
// result together with a *TimeoutError. Non-zero exit codes are not errors
// here; see CheckCall.
func (c *Client) Execute(ctx context.Context, command string, opts ...ExecOption) (*ExecResult, error) {
	o := c.execOptions(opts)
	masked := logging.MaskCommand(command, c.opts.logMask, o.logMask)

	level := zerolog.DebugLevel
	if o.isVerbose(c.opts.verbose) {
		level = zerolog.InfoLevel
	}
	logger := c.logger.With().Str("command", masked).Logger()
	logger.WithLevel(level).Msg("executing command")

	ec := c.OpenExecuteContext(command, opts...)
	defer ec.Close()

	async, err := ec.Start(ctx)
	if err != nil {
		return nil, err
	}

	result := NewExecResult(masked, o.stdin, async.Started)
	return c.await(ctx, ec, async, result, o, logger, level)
}

func (c *Client) await(ctx context.Context, ec *ExecuteContext, async *AsyncResult, result *ExecResult, o execOptions, logger zerolog.Logger, level zerolog.Level) (*ExecResult, error) {
	var readers sync.WaitGroup
	read := func(s stream, src io.Reader, log bool) {
		if src == nil {
			return
		}
		var lineLog *zerolog.Logger
		if log {
			l := logger.With().Str("stream", s.String()).Logger()
			lineLog = &l
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			result.consume(s, src, lineLog, level)
		}()
	}
	read(streamStdout, async.Stdout, o.logStdout)
	read(streamStderr, async.Stderr, o.logStderr)

	finished := make(chan struct{})
	go func() {
		readers.Wait()
		<-async.Done()
		close(finished)
	}()

	var deadline <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-finished:
		code, err := async.Wait()
		if err != nil {
			logger.Debug().Err(err).Msg("session ended abnormally")
		}
		result.finish(code)
		_ = ec.Close()
		logger.WithLevel(level).Int("exit_code", code).Dur("duration", result.Duration()).Msg("command finished")
		return result, nil

	case <-deadline:
		_ = ec.Close()
		select {
		case <-finished:
		case <-time.After(timeoutGrace):
		}
		result.finish(ExitCodeInvalid)
		logger.Warn().Dur("timeout", o.timeout).Msg("command timed out")
		return result, &TimeoutError{Result: result, Timeout: o.timeout}

	case <-ctx.Done():
		_ = ec.Close()
		result.finish(ExitCodeInvalid)
		return result, fmt.Errorf("execute %q: %w", result.Command, ctx.Err())
	}
}

// consume copies src into the result, logging complete lines when lineLog
// is set.
func (r *ExecResult) consume(s stream, src io.Reader, lineLog *zerolog.Logger, level zerolog.Level) {
	buf := make([]byte, 32*1024)
	var pending []byte
	emit := func(line []byte) {
		lineLog.WithLevel(level).Msg(string(bytes.TrimRight(line, "\r")))
	}

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !r.append(s, chunk) {
				_, _ = io.Copy(io.Discard, src)
				return
			}
			if lineLog != nil {
				pending = append(pending, chunk...)
				for {
					i := bytes.IndexByte(pending, '\n')
					if i < 0 {
						break
					}
					emit(pending[:i])
					pending = pending[i+1:]
				}
			}
		}
		if err != nil {
			if lineLog != nil && len(pending) > 0 {
				emit(pending)
			}
			return
		}
	}
}

// CheckCall runs command and fails with *CalledProcessError when the exit
// code is not expected, unless WithRaiseOnError(false) is given, in which
// case the mismatch is only logged.
func (c *Client) CheckCall(ctx context.Context, command string, opts ...ExecOption) (*ExecResult, error) {
	o := c.execOptions(opts)
	result, err := c.Execute(ctx, command, opts...)
	if err != nil {
		return result, err
	}
	if slices.Contains(o.expected, result.ExitCode()) {
		return result, nil
	}
	return result, c.processError(o, &CalledProcessError{Result: result, Expected: o.expected})
}

// CheckStderr is CheckCall that also fails when anything was written to
// stderr.
func (c *Client) CheckStderr(ctx context.Context, command string, opts ...ExecOption) (*ExecResult, error) {
	o := c.execOptions(opts)
	result, err := c.CheckCall(ctx, command, opts...)
	if err != nil {
		return result, err
	}
	if len(result.Stderr()) == 0 {
		return result, nil
	}
	return result, c.processError(o, &CalledProcessError{Result: result, Expected: o.expected, Reason: "stderr not empty"})
}

func (c *Client) processError(o execOptions, err *CalledProcessError) error {
	if o.raiseOnErr {
		return err
	}
	c.logger.Error().Int("exit_code", err.Result.ExitCode()).Msg(err.Error())
	return nil
}
