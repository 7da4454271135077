package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue profileauthz tasks run on.
	QueueDefault = "profileauthz"
	// TaskDetectAnomalies scans access baselines for deviations.
	TaskDetectAnomalies = "profileauthz:anomaly:detect"
	// TaskFlushAudit ships pending audit entries to the engine's sink.
	TaskFlushAudit = "profileauthz:audit:flush"
)

// DetectPayload selects users to scan; empty means every tracked user.
type DetectPayload struct {
	UserIDs []string `json:"user_ids,omitempty"`
}

func NewDetectTask(payload DetectPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDetectAnomalies, data, asynq.Queue(QueueDefault)), nil
}

func NewFlushTask() *asynq.Task {
	return asynq.NewTask(TaskFlushAudit, nil, asynq.Queue(QueueDefault))
}
