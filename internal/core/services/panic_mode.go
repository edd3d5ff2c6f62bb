package services

import (
	"log/slog"
	"sync"
	"time"
)

// PanicMode is the operator kill switch for automated outbound messages.
// While active, welcome, keyword and outside-hours replies are suppressed;
// ingestion, notifications and live events keep running.
type PanicMode struct {
	mu          sync.RWMutex
	active      bool
	activatedBy string
	activatedAt time.Time
	reason      string
}

// NewPanicMode returns an inactive switch
func NewPanicMode() *PanicMode {
	return &PanicMode{}
}

// PanicStatus is a snapshot of the switch
type PanicStatus struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// IsActive returns whether automation is currently paused
func (p *PanicMode) IsActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Enable pauses automation
func (p *PanicMode) Enable(reason, activatedBy string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return
	}
	p.active = true
	p.reason = reason
	p.activatedBy = activatedBy
	p.activatedAt = time.Now()

	slog.Warn("Automation paused",
		"reason", reason,
		"activated_by", activatedBy,
	)
}

// Disable resumes automation
func (p *PanicMode) Disable(deactivatedBy string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return
	}
	duration := time.Since(p.activatedAt)
	p.active = false
	p.reason = ""
	p.activatedBy = ""
	p.activatedAt = time.Time{}

	slog.Info("Automation resumed",
		"deactivated_by", deactivatedBy,
		"duration", duration,
	)
}

// Status returns the current state
func (p *PanicMode) Status() PanicStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PanicStatus{
		Active:      p.active,
		Reason:      p.reason,
		ActivatedBy: p.activatedBy,
		ActivatedAt: p.activatedAt,
	}
}
