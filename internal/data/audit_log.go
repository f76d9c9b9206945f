package data

import (
	"context"
	"encoding/json"
	"time"

	"CircuitLane/internal/model"
	pkgerrors "CircuitLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// TransitionLog is the GORM model for the breaker_audit_logs table. One row
// per breaker state change observed by this worker, local or remote.
type TransitionLog struct {
	ID          int64     `gorm:"primaryKey;column:id"`
	BackendName string    `gorm:"column:backend_name;type:varchar(128);not null;index"`
	FromState   string    `gorm:"column:from_state;type:varchar(16);not null"`
	ToState     string    `gorm:"column:to_state;type:varchar(16);not null"`
	ActionType  string    `gorm:"column:action_type;type:varchar(50);not null"`
	Details     string    `gorm:"column:details;type:json"`
	WorkerID    string    `gorm:"column:worker_id;type:varchar(128);not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (TransitionLog) TableName() string {
	return "breaker_audit_logs"
}

// AuditLoggerImpl implements biz.TransitionAudit with an async buffered
// writer, so the breaker's transition path never waits on the database. A
// nil DB turns it into a log-only sink.
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *TransitionLog
	logger  *log.Helper
}

// NewAuditLogger creates the audit logger and starts its writer goroutine.
func NewAuditLogger(db *gorm.DB, logger log.Logger) *AuditLoggerImpl {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *TransitionLog, 1000),
		logger:  log.NewHelper(logger),
	}

	if db != nil {
		if err := db.AutoMigrate(&TransitionLog{}); err != nil {
			al.logger.Warnw("msg", "failed to migrate audit table, persistence disabled", "error", err)
			al.db = nil
		}
	}

	go al.start()
	return al
}

// start drains queued records into the database. Retryable write failures
// (deadlocks, dropped connections) get one immediate retry; everything else
// is logged with its classification and dropped.
func (a *AuditLoggerImpl) start() {
	for entry := range a.logChan {
		if a.db == nil {
			continue
		}
		err := a.db.WithContext(context.Background()).Create(entry).Error
		if err != nil {
			dbErr := pkgerrors.ClassifyDBError(err)
			if dbErr.Retryable() {
				err = a.db.WithContext(context.Background()).Create(entry).Error
			}
			if err != nil {
				a.logger.Errorw("msg", "failed to write transition audit log",
					"backend", entry.BackendName,
					"action_type", entry.ActionType,
					"classification", dbErr.Message,
					"error", err)
			}
		}
	}
}

// LogTransition implements biz.TransitionAudit. Non-blocking: if the buffer
// is full the record is dropped with a warning.
func (a *AuditLoggerImpl) LogTransition(_ context.Context, backend string, from, to model.CircuitState, failureCount, successCount int, workerID, reason string) {
	details := map[string]interface{}{
		"failure_count": failureCount,
		"success_count": successCount,
	}
	if reason != "" {
		details["reason"] = reason
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		a.logger.Errorw("msg", "failed to marshal audit details", "error", err)
		return
	}

	entry := &TransitionLog{
		BackendName: backend,
		FromState:   from.String(),
		ToState:     to.String(),
		ActionType:  model.AuditActionForState(to),
		Details:     string(detailsJSON),
		WorkerID:    workerID,
	}

	select {
	case a.logChan <- entry:
	default:
		a.logger.Warnw("msg", "audit buffer full, transition record dropped",
			"backend", backend,
			"action_type", entry.ActionType)
	}
}
