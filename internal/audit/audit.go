package audit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/fleetexec/internal/database"
	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/logutil"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// Event types stored besides the sshpool event types.
const (
	EventCommandExecution = "command_execution"
	EventRunCompleted     = "run_completed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

const queueSize = 256

// Entry contains the fields needed to create an audit log row.
type Entry struct {
	EventType  string
	Host       string
	RunID      string
	Details    string
	DurationMs int64
	Time       time.Time // zero means now
}

// Auditor records and queries audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time

	queue     chan Entry
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAuditor creates an Auditor writing to db and starts its writer.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	a := &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		queue:         make(chan Entry, queueSize),
		done:          make(chan struct{}),
	}
	go a.writer()
	return a, nil
}

func (a *Auditor) writer() {
	defer close(a.done)
	for e := range a.queue {
		a.Log(e)
	}
}

// Log writes an entry synchronously.
func (a *Auditor) Log(e Entry) error {
	record := database.AuditLog{
		EventType:  e.EventType,
		Host:       e.Host,
		RunID:      e.RunID,
		Details:    e.Details,
		DurationMs: e.DurationMs,
		CreatedAt:  e.Time,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = a.nowFn()
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}
	return nil
}

// enqueue hands e to the writer without blocking.
func (a *Auditor) enqueue(e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	if e.Time.IsZero() {
		e.Time = a.nowFn()
	}
	select {
	case a.queue <- e:
	default:
		log.Printf("[audit] queue full, dropping %s event for %s", e.EventType, logutil.SanitizeForLog(e.Host))
	}
}

// Record stores a pool event. It has the sshpool.EventListener signature.
func (a *Auditor) Record(ev sshpool.PoolEvent) {
	if ev.Type == sshpool.EventReused {
		return
	}
	a.enqueue(Entry{
		EventType: string(ev.Type),
		Host:      ev.Host,
		Details:   ev.Details,
		Time:      ev.Timestamp,
	})
}

// ObserveExec stores one execution outcome. It implements executor.Observer.
func (a *Auditor) ObserveExec(host, kind string, elapsed time.Duration) {
	details := "ok"
	if kind != "" {
		details = "error=" + kind
	}
	a.enqueue(Entry{
		EventType:  EventCommandExecution,
		Host:       host,
		Details:    details,
		DurationMs: elapsed.Milliseconds(),
	})
}

// RecordRun stores the outcome of every host in a multi-host run.
func (a *Auditor) RecordRun(command string, results map[string]executor.HostResult) {
	for host, hr := range results {
		details := fmt.Sprintf("cmd=%s", logutil.Truncate(command))
		var ms int64
		switch {
		case hr.Err != nil:
			details += " error=" + hr.Kind()
		case hr.Result != nil:
			details += fmt.Sprintf(" exit=%d", hr.Result.ExitCode)
			ms = hr.Result.Duration.Milliseconds()
		}
		a.enqueue(Entry{
			EventType:  EventRunCompleted,
			Host:       host,
			RunID:      hr.RunID,
			Details:    details,
			DurationMs: ms,
		})
	}
}

// Close stops accepting entries and waits until queued ones are written.
func (a *Auditor) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	Host      string
	EventType string
	RunID     string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.RunID != "" {
		tx = tx.Where("run_id = ?", opts.RunID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or than the configured
// retention when days is 0. Returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
