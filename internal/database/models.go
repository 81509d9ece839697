package database

import "time"

// AuditLog is one recorded connection or execution event.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	Host       string    `gorm:"index;not null" json:"host"`
	RunID      string    `gorm:"index" json:"run_id,omitempty"`
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
