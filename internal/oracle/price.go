package oracle

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"

	"github.com/google/uuid"
)

// PriceData is one oracle observation. Prices carry PricePrecision.
type PriceData struct {
	Price      int64
	Confidence int64
	// Twap5Min is the five minute time-weighted average; 0 when unavailable.
	Twap5Min int64
	// Twap is the long-window average used to anchor settlement; 0 when unavailable.
	Twap      int64
	PublishTs int64 // unix seconds
}

// Source is the external price feed.
type Source interface {
	PriceData(id uuid.UUID) (*PriceData, error)
}

// StrictPrice pairs a spot price with its short twap so valuation can pick
// whichever is worse for the account.
type StrictPrice struct {
	Current int64
	Twap5   int64
}

// NewStrictPrice builds a StrictPrice; a missing twap falls back to the spot price.
func NewStrictPrice(p *PriceData) StrictPrice {
	twap := p.Twap5Min
	if twap <= 0 {
		twap = p.Price
	}
	return StrictPrice{Current: p.Price, Twap5: twap}
}

// Max is the price used to value liabilities.
func (s StrictPrice) Max() int64 {
	return fpmath.Max(s.Current, s.Twap5)
}

// Min is the price used to value assets.
func (s StrictPrice) Min() int64 {
	return fpmath.Min(s.Current, s.Twap5)
}

// ClampToPar pins a quote-currency price to exactly 1.0 when it sits within
// band (price precision) of par.
func ClampToPar(price, band int64) int64 {
	if band <= 0 {
		return price
	}
	diff := price - fpmath.PricePrecision
	if diff < 0 {
		diff = -diff
	}
	if diff <= band {
		return fpmath.PricePrecision
	}
	return price
}

// SettlementTarget returns the oracle-anchored fair price for delisting:
// the long twap when present, else the spot price.
func SettlementTarget(p *PriceData) (int64, error) {
	target := p.Twap
	if target <= 0 {
		target = p.Price
	}
	if target <= 0 {
		return 0, errors.Wrapf(errors.ErrInvalidOracle, "settlement target %d", target)
	}
	return target, nil
}

// StaticSource serves prices from memory. The host process feeds it from its
// own oracle ingestion.
type StaticSource struct {
	prices map[uuid.UUID]PriceData
}

func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[uuid.UUID]PriceData)}
}

// Set stores the observation for id.
func (s *StaticSource) Set(id uuid.UUID, p PriceData) {
	s.prices[id] = p
}

// SetPrice stores a price with zero confidence and twaps equal to the price.
func (s *StaticSource) SetPrice(id uuid.UUID, price, publishTs int64) {
	s.prices[id] = PriceData{
		Price:     price,
		Twap5Min:  price,
		Twap:      price,
		PublishTs: publishTs,
	}
}

// PriceData implements Source.
func (s *StaticSource) PriceData(id uuid.UUID) (*PriceData, error) {
	p, ok := s.prices[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidOracle, "no price for oracle %s", id)
	}
	return &p, nil
}
