package tracker

import (
	"time"

	"etl-engine/internal/common/logging"
	"etl-engine/internal/models"
	"etl-engine/internal/runner"
	"etl-engine/internal/storage"
)

type storeLogSink struct {
	store  storage.Storage
	logger logging.Logger
}

// NewLogSink returns a runner.LogSink that persists lines as execution log
// records. Persistence failures are logged and swallowed; a full log table
// must not fail a task.
func NewLogSink(store storage.Storage, logger logging.Logger) runner.LogSink {
	return &storeLogSink{store: store, logger: logger}
}

func (s *storeLogSink) Append(executionID, taskID, level, message string) {
	err := s.store.AppendLog(&models.LogRecord{
		ExecutionID: executionID,
		TaskID:      taskID,
		Level:       level,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to persist execution log",
			logging.String("execution_id", executionID),
			logging.Err(err))
	}
}
