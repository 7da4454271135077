package profileauthz

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EvaluateBatch evaluates contexts concurrently with at most batch_workers in flight.
// Decisions keep the input order. Structural errors of individual requests are joined
// into the returned error alongside the full decision slice; cancellation of ctx aborts
// the batch and returns no decisions.
func (e *Engine) EvaluateBatch(ctx context.Context, contexts []AccessContext) ([]AccessDecision, error) {
	decisions := make([]AccessDecision, len(contexts))
	errs := make([]error, len(contexts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.Config().BatchWorkers))
	for i := range contexts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := e.Evaluate(contexts[i])
			decisions[i] = d
			if err != nil {
				errs[i] = fmt.Errorf("request %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return decisions, errors.Join(errs...)
}
