package ssh

import (
	"context"
	"regexp"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/remex/internal/logging"
)

// TogetherResults maps each remote to its result.
type TogetherResults map[HostKey]*ExecResult

// ExecuteTogether runs command on every distinct remote concurrently and
// waits for all of them. Any remote that fails outright yields a
// *ParallelExceptionsError. Otherwise unexpected exit codes yield a
// *ParallelCallError when raise-on-error is on (the default).
func ExecuteTogether(ctx context.Context, remotes []*Client, command string, opts ...ExecOption) (TogetherResults, error) {
	o := defaultExecOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.expected) == 0 {
		o.expected = []int{0}
	}

	unique := make([]*Client, 0, len(remotes))
	for _, remote := range remotes {
		if remote != nil && !slices.Contains(unique, remote) {
			unique = append(unique, remote)
		}
	}

	masks := []*regexp.Regexp{o.logMask}
	for _, remote := range unique {
		masks = append(masks, remote.opts.logMask)
	}
	masked := logging.MaskCommand(command, masks...)

	runID := uuid.NewString()
	logger := logging.WithRun(runID).With().Str("component", "together").Logger()
	logger.Debug().Int("remotes", len(unique)).Str("command", masked).Msg("executing on remotes")

	var (
		mu         sync.Mutex
		results    = make(TogetherResults, len(unique))
		errs       = make(map[HostKey]*ExecResult)
		exceptions = make(map[HostKey]error)
	)

	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	for _, remote := range unique {
		g.Go(func() error {
			key := remote.Key()
			result, err := remote.Execute(ctx, command, opts...)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Debug().Err(err).Stringer("remote", key).Msg("remote failed")
				exceptions[key] = err
				return nil
			}
			results[key] = result
			if !slices.Contains(o.expected, result.ExitCode()) {
				errs[key] = result
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(exceptions) > 0 {
		return results, &ParallelExceptionsError{
			Command:    masked,
			Exceptions: exceptions,
			Errors:     errs,
			Results:    results,
			Expected:   o.expected,
		}
	}
	if len(errs) > 0 {
		perr := &ParallelCallError{Command: masked, Errors: errs, Results: results, Expected: o.expected}
		if o.raiseOnErr {
			return results, perr
		}
		logger.Error().Int("failed", len(errs)).Msg(perr.Error())
	}
	return results, nil
}
