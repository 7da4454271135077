package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/profileauthz"
)

// FanoutAuditSink writes each batch to every sink. The batch counts as shipped only
// when all sinks accept it, so sinks must tolerate re-delivery by seq.
type FanoutAuditSink []profileauthz.AuditSink

func (f FanoutAuditSink) Write(ctx context.Context, entries []profileauthz.AuditEntry) error {
	var errs []error
	for i, s := range f {
		if err := s.Write(ctx, entries); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
