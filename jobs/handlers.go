package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/oarkflow/profileauthz"
	"github.com/oarkflow/profileauthz/logger"
)

// Handlers runs engine maintenance as asynq tasks.
type Handlers struct {
	engine *profileauthz.Engine
	logger logger.Logger
	// OnDeviation, when set, receives every deviation a scan reports.
	OnDeviation func(context.Context, profileauthz.PatternDeviation) error
}

func NewHandlers(engine *profileauthz.Engine, l logger.Logger) *Handlers {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Handlers{engine: engine, logger: l}
}

// Register mounts the handlers on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskDetectAnomalies, h.HandleDetect)
	mux.HandleFunc(TaskFlushAudit, h.HandleFlush)
}

func (h *Handlers) HandleDetect(ctx context.Context, t *asynq.Task) error {
	var payload DetectPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode detect payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	start := time.Now()
	devs := h.engine.DetectAnomalies(payload.UserIDs...)
	for _, d := range devs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if h.OnDeviation == nil {
			continue
		}
		if err := h.OnDeviation(ctx, d); err != nil {
			return fmt.Errorf("deliver deviation for %s: %w", d.UserID, err)
		}
	}
	h.logger.Info("anomaly scan finished", "users", len(payload.UserIDs), "deviations", len(devs),
		"duration", time.Since(start))
	return nil
}

func (h *Handlers) HandleFlush(ctx context.Context, t *asynq.Task) error {
	n, err := h.engine.FlushAudit(ctx)
	if err != nil {
		// the watermark only advanced for shipped batches; the retry resumes from there
		return fmt.Errorf("flush audit after %d entries: %w", n, err)
	}
	h.logger.Debug("audit flush task", "shipped", n)
	return nil
}
