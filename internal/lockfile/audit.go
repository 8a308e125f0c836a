package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pkt.systems/changed/api"
)

// Audit event names.
const (
	auditAcquire    = "acquire"
	auditRelease    = "release"
	auditRefresh    = "refresh"
	auditReclaim    = "reclaim"
	auditCorruption = "corruption"
)

// AuditRecord is one line of the append-only lock audit log.
type AuditRecord struct {
	// Time is when the transition happened, in UTC.
	Time time.Time `json:"time"`
	// Event names the transition.
	Event string `json:"event"`
	// Resource is the affected resource key.
	Resource string `json:"resource"`
	// PrevOwner is the owner before the transition, when one existed.
	PrevOwner string `json:"prev_owner,omitempty"`
	// Owner is the owner after the transition, when one remains.
	Owner string `json:"owner,omitempty"`
	// Reason carries the reclaim reason or corruption detail.
	Reason string `json:"reason,omitempty"`
	// LockID identifies the affected lock document.
	LockID string `json:"lock_id,omitempty"`
	// CorrelationID links the record to request logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AuditLog appends one JSON record per line to a single file. Appending is a
// hard requirement for lock transitions: reclaim is trust-sensitive, so a
// transition whose record cannot be written is reported as failed.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAuditLog opens or creates the audit file in append-only mode.
func OpenAuditLog(path string) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, api.Failure{
			Code:       api.CodeIOFailure,
			Detail:     fmt.Sprintf("open audit log: %v", err),
			HTTPStatus: 500,
		}
	}
	return &AuditLog{file: file}, nil
}

// Append writes one record and flushes it to stable storage.
func (l *AuditLog) Append(rec AuditRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return api.Failure{Code: api.CodeIOFailure, Detail: fmt.Sprintf("encode audit record: %v", err), HTTPStatus: 500}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(encoded, '\n')); err != nil {
		return api.Failure{Code: api.CodeIOFailure, Detail: fmt.Sprintf("append audit record: %v", err), HTTPStatus: 500}
	}
	if err := l.file.Sync(); err != nil {
		return api.Failure{Code: api.CodeIOFailure, Detail: fmt.Sprintf("sync audit log: %v", err), HTTPStatus: 500}
	}
	return nil
}

// Close releases the underlying file handle.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
