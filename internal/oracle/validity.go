package oracle

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"

	"github.com/google/uuid"
)

// Validity classifies an observation against the guard rails
type Validity int32

const (
	ValidityValid Validity = iota
	ValidityStale
	ValidityTooUncertain
	ValidityNonPositive
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "Valid"
	case ValidityStale:
		return "Stale"
	case ValidityTooUncertain:
		return "TooUncertain"
	case ValidityNonPositive:
		return "NonPositive"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the price may back margin-raising actions.
func (v Validity) IsValid() bool {
	return v == ValidityValid
}

// GuardRails bound how old and how uncertain a usable price may be.
type GuardRails struct {
	MaxStalenessSeconds int64
	// MaxConfidenceRatio is confidence/price in margin precision; 0 disables the check.
	MaxConfidenceRatio int64
}

// DefaultGuardRails: 2 minutes, 2% confidence band.
func DefaultGuardRails() GuardRails {
	return GuardRails{
		MaxStalenessSeconds: 120,
		MaxConfidenceRatio:  200,
	}
}

// Classify checks an observation taken at publishTs against now.
func Classify(p *PriceData, now int64, g GuardRails) Validity {
	if p.Price <= 0 {
		return ValidityNonPositive
	}
	if g.MaxStalenessSeconds > 0 && now-p.PublishTs > g.MaxStalenessSeconds {
		return ValidityStale
	}
	if g.MaxConfidenceRatio > 0 {
		ratio, err := fpmath.MulDiv(p.Confidence, fpmath.MarginPrecision, p.Price, fpmath.RoundUp)
		if err != nil || ratio > g.MaxConfidenceRatio {
			return ValidityTooUncertain
		}
	}
	return ValidityValid
}

// Map resolves prices for one instruction at a fixed clock.
type Map struct {
	source Source
	guard  GuardRails
	now    int64
}

func NewMap(source Source, guard GuardRails, now int64) *Map {
	return &Map{source: source, guard: guard, now: now}
}

// Now returns the instruction clock.
func (m *Map) Now() int64 {
	return m.now
}

// Price returns the observation and its validity. Only a missing or
// non-positive price is an error; stale or uncertain prices degrade.
func (m *Map) Price(id uuid.UUID) (*PriceData, Validity, error) {
	p, err := m.source.PriceData(id)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidOracle) {
			return nil, ValidityNonPositive, err
		}
		return nil, ValidityNonPositive, errors.Wrapf(errors.ErrInvalidOracle, "oracle %s: %v", id, err)
	}
	v := Classify(p, m.now, m.guard)
	if v == ValidityNonPositive {
		return nil, v, errors.Wrapf(errors.ErrInvalidOracle, "oracle %s price %d", id, p.Price)
	}
	return p, v, nil
}

// ValidPrice returns the observation or ErrInvalidOracle when it fails any guard rail.
func (m *Map) ValidPrice(id uuid.UUID) (*PriceData, error) {
	p, v, err := m.Price(id)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() {
		return nil, errors.Wrapf(errors.ErrInvalidOracle, "oracle %s is %s", id, v)
	}
	return p, nil
}
