package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"bwgateway/chain"
	"bwgateway/models"
)

// AuditRecorder persists one entry per processed transaction. Writes run on a
// detached goroutine and never propagate failure to the request path.
type AuditRecorder struct {
	db      *gorm.DB
	logger  *slog.Logger
	timeout time.Duration
}

func NewAuditRecorder(db *gorm.DB, logger *slog.Logger) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{db: db, logger: logger, timeout: 5 * time.Second}
}

// Record schedules the audit write and returns immediately.
func (r *AuditRecorder) Record(user string, trx *chain.Transaction, providedBandwidth bool) {
	if r == nil || r.db == nil {
		return
	}
	names := make([]string, 0, len(trx.Actions))
	for _, action := range trx.Actions {
		name := action.Name
		if name == "" {
			name = "unknown"
		}
		names = append(names, name)
	}
	actions, err := json.Marshal(names)
	if err != nil {
		r.logger.Error("audit entry marshal failed", "user", user, "err", err)
		return
	}
	body, err := json.Marshal(trx)
	if err != nil {
		r.logger.Error("audit entry marshal failed", "user", user, "err", err)
		return
	}
	entry := models.AuditEntry{
		User:              user,
		Timestamp:         time.Now().UTC(),
		Actions:           string(actions),
		TransactionJSON:   string(body),
		ProvidedBandwidth: providedBandwidth,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
			r.logger.Error("audit entry write failed", "user", user, "err", err)
		}
	}()
}
