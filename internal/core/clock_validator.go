package core

import (
	"PerpRisk/internal/errors"

	"github.com/google/uuid"
)

// ClockValidator keeps each account's instruction clock non-decreasing, so
// elapsed-time caps never see a negative interval.
// Not thread-safe; only accessed from the single-threaded core.
type ClockValidator struct {
	lastSeen map[uuid.UUID]int64 // account -> clock of its last committed instruction
	metrics  *ClockMetrics
}

func NewClockValidator() *ClockValidator {
	return &ClockValidator{
		lastSeen: make(map[uuid.UUID]int64),
		metrics:  NewClockMetrics(),
	}
}

// Validate checks now against the account's last committed clock.
func (cv *ClockValidator) Validate(account uuid.UUID, now int64) error {
	last, ok := cv.lastSeen[account]
	if !ok || now >= last {
		return nil
	}
	cv.metrics.RecordRegression(account)
	return errors.Wrapf(errors.ErrClockRegressed, "account %s: last=%d, got=%d", account, last, now)
}

// Observe records a committed instruction's clock.
func (cv *ClockValidator) Observe(account uuid.UUID, now int64) {
	if now > cv.lastSeen[account] {
		cv.lastSeen[account] = now
	}
}

// LastSeen returns the last committed clock for an account (0 if never seen)
func (cv *ClockValidator) LastSeen(account uuid.UUID) int64 {
	return cv.lastSeen[account]
}

// --- Metrics ---

// ClockMetrics tracks rejected regressions per account.
type ClockMetrics struct {
	regressions map[uuid.UUID]int64
}

func NewClockMetrics() *ClockMetrics {
	return &ClockMetrics{
		regressions: make(map[uuid.UUID]int64),
	}
}

func (m *ClockMetrics) RecordRegression(account uuid.UUID) {
	m.regressions[account]++
}

func (m *ClockMetrics) GetRegressions(account uuid.UUID) int64 {
	return m.regressions[account]
}
