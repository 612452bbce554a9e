package liquidation

import (
	"PerpRisk/internal/errors"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// Config holds the protocol-wide liquidation parameters.
type Config struct {
	// Duration is how long (seconds) the transferable share takes to reach 100%.
	Duration int64
	// InitialPct is the transferable share at entry (liquidation pct precision).
	InitialPct int64
	// MarginBuffer is added to maintenance ratios when judging health (margin precision).
	MarginBuffer int64
	// QuoteParBand is passed through to margin calculations (price precision).
	QuoteParBand int64
	// SwapTimeout is how long (seconds) a swap Begin holds its market before a
	// new Begin may replace it; 0 keeps it until End.
	SwapTimeout int64
}

// DefaultConfig: 25% at entry ramping to 100% over five minutes, 2% buffer,
// swaps held for two minutes.
func DefaultConfig() Config {
	return Config{
		Duration:     300,
		InitialPct:   2_500,
		MarginBuffer: 200,
		QuoteParBand: 10_000,
		SwapTimeout:  120,
	}
}

// Kind names a liquidation primitive
type Kind int32

const (
	KindEnter Kind = iota
	KindPerp
	KindPerpWithFill
	KindPerpPnlForDeposit
	KindSpot
	KindSpotSwapBegin
	KindSpotSwapEnd
)

func (k Kind) String() string {
	switch k {
	case KindEnter:
		return "enter"
	case KindPerp:
		return "perp"
	case KindPerpWithFill:
		return "perp_with_fill"
	case KindPerpPnlForDeposit:
		return "perp_pnl_for_deposit"
	case KindSpot:
		return "spot"
	case KindSpotSwapBegin:
		return "spot_swap_begin"
	case KindSpotSwapEnd:
		return "spot_swap_end"
	default:
		return "unknown"
	}
}

// Result describes what a primitive did. Amounts are from the liquidatee's side.
type Result struct {
	Kind          Kind
	LiquidationID uint16

	// MarketIndex is the perp market, or the liability spot market.
	MarketIndex      uint16
	AssetMarketIndex uint16

	BaseTransferred  int64 // signed change in liquidatee base
	QuoteTransferred int64 // signed change in liquidatee quote ledger

	// LiabilityTransfer is liability tokens repaid (spot) or pnl taken over (quote).
	LiabilityTransfer int64
	// AssetTransfer is asset tokens paid to the liquidator.
	AssetTransfer int64
	// Excess is swapped liability beyond the repayment, credited to the liquidator.
	Excess int64
	// Counterparty is the maker of a routed fill; uuid.Nil when the AMM filled it.
	Counterparty uuid.UUID

	Price         int64
	LiquidatorFee int64
	IfFee         int64

	OrdersCancelled uint8
	MarginFreed     int64
	Status          state.LiquidationStatus

	Pre  *margin.Calculation
	Post *margin.Calculation
}

// Engine runs the liquidation protocol. It holds no account or market state;
// every call receives the accounts, markets and prices it may touch.
type Engine struct {
	calc    *margin.Calculator
	matcher Matcher
	cfg     Config
}

func NewEngine(calc *margin.Calculator, matcher Matcher, cfg Config) *Engine {
	return &Engine{
		calc:    calc,
		matcher: matcher,
		cfg:     cfg,
	}
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) maintenance(extended bool) margin.Context {
	return margin.Context{
		Type:              state.MarginRequirementMaintenance,
		LiquidationBuffer: e.cfg.MarginBuffer,
		QuoteParBand:      e.cfg.QuoteParBand,
		ExtendedMetrics:   extended,
	}
}

func (e *Engine) initial() margin.Context {
	return margin.Context{
		Type:         state.MarginRequirementInitial,
		QuoteParBand: e.cfg.QuoteParBand,
	}
}

// EnterLiquidation flags the account BeingLiquidated when its maintenance
// collateral (with buffer) falls below requirement. Re-entry is a no-op.
func (e *Engine) EnterLiquidation(acct *state.Account, markets *state.MarketSet, prices *oracle.Map) (*Result, error) {
	if acct.IsBankrupt() {
		return nil, errors.ErrAccountBankrupt
	}
	pre, err := e.calc.Calculate(acct, markets, prices, e.maintenance(true))
	if err != nil {
		return nil, err
	}
	res := &Result{Kind: KindEnter, Pre: pre, Post: pre}
	if acct.IsBeingLiquidated() {
		res.LiquidationID = acct.NextLiquidationID
		res.Status = acct.Status
		return res, nil
	}
	if pre.MeetsRequirement() {
		return nil, errors.Wrapf(errors.ErrSufficientCollateral, "collateral=%d requirement=%d",
			pre.TotalCollateral, pre.MarginRequirement)
	}
	if err := enter(acct, prices.Now()); err != nil {
		return nil, err
	}
	res.LiquidationID = acct.NextLiquidationID
	res.Status = acct.Status
	return res, nil
}

func enter(acct *state.Account, now int64) error {
	if err := acct.TransitionTo(state.LiquidationStatusBeingLiquidated); err != nil {
		return err
	}
	acct.LiquidationStartTs = now
	acct.LiquidationMarginFreed = 0
	acct.NextLiquidationID++
	return nil
}

// session is the shared prologue state of every primitive.
type session struct {
	pre *margin.Calculation
	// healthy is set when the account was already being liquidated and has recovered.
	healthy bool
}

// begin validates the parties and brings the liquidatee into the protocol.
func (e *Engine) begin(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
) (*session, error) {
	if liquidator.ID == liquidatee.ID {
		return nil, errors.ErrSelfLiquidation
	}
	if liquidatee.IsBankrupt() {
		return nil, errors.ErrAccountBankrupt
	}
	if liquidator.IsBeingLiquidated() {
		return nil, errors.Wrap(errors.ErrLiquidatorMargin, "liquidator is being liquidated")
	}
	if index, ok := e.swapInFlight(liquidatee, markets, prices.Now()); ok {
		return nil, errors.Wrapf(errors.ErrSwapPending, "liquidatee has a swap open on spot %d", index)
	}

	pre, err := e.calc.Calculate(liquidatee, markets, prices, e.maintenance(true))
	if err != nil {
		return nil, err
	}

	if !liquidatee.IsBeingLiquidated() {
		if pre.MeetsRequirement() {
			return nil, errors.Wrapf(errors.ErrSufficientCollateral, "collateral=%d requirement=%d",
				pre.TotalCollateral, pre.MarginRequirement)
		}
		if err := enter(liquidatee, prices.Now()); err != nil {
			return nil, err
		}
	} else if pre.MeetsRequirement() {
		if err := liquidatee.TransitionTo(state.LiquidationStatusNormal); err != nil {
			return nil, err
		}
		return &session{pre: pre, healthy: true}, nil
	}
	return &session{pre: pre}, nil
}

// activeSwap returns the market's pending swap unless it has expired.
func (e *Engine) activeSwap(m *state.SpotMarket, now int64) *state.PendingSwap {
	if m.PendingSwap == nil || m.PendingSwap.Expired(now, e.cfg.SwapTimeout) {
		return nil
	}
	return m.PendingSwap
}

// swapInFlight finds an unexpired swap naming acct as liquidatee. Until its End
// lands no other primitive may move the account.
func (e *Engine) swapInFlight(acct *state.Account, markets *state.MarketSet, now int64) (uint16, bool) {
	for _, index := range markets.SpotIndexes() {
		m, err := markets.Spot(index)
		if err != nil {
			continue
		}
		if p := e.activeSwap(m, now); p != nil && p.Liquidatee == acct.ID {
			return index, true
		}
	}
	return 0, false
}

// maxPct is the share of the current shortage the primitive may still free.
func (e *Engine) maxPct(acct *state.Account, shortage int64, now int64) (int64, error) {
	return fpmath.MaxPctToLiquidate(
		now,
		acct.LiquidationStartTs,
		e.cfg.Duration,
		e.cfg.InitialPct,
		shortage,
		acct.LiquidationMarginFreed,
	)
}

// capByPct scales an amount needed to cover the whole shortage down to the time cap.
// A negative amount means the shortage cannot be covered and is left unbounded.
func capByPct(amount, pct int64) (int64, error) {
	if amount < 0 {
		return -1, nil
	}
	if pct >= fpmath.LiquidationPctPrecision {
		return amount, nil
	}
	return fpmath.MulDiv(amount, pct, fpmath.LiquidationPctPrecision, fpmath.RoundUp)
}

// minBounded returns the smallest of the non-negative bounds; negative bounds are ignored.
func minBounded(v int64, bounds ...int64) int64 {
	for _, b := range bounds {
		if b >= 0 && b < v {
			v = b
		}
	}
	return v
}

// checkLiquidator requires the liquidator to still meet Initial margin.
func (e *Engine) checkLiquidator(liquidator *state.Account, markets *state.MarketSet, prices *oracle.Map) error {
	calc, err := e.calc.Calculate(liquidator, markets, prices, e.initial())
	if err != nil {
		return err
	}
	if !calc.MeetsRequirement() {
		return errors.Wrapf(errors.ErrLiquidatorMargin, "collateral=%d requirement=%d",
			calc.TotalCollateral, calc.MarginRequirement)
	}
	return nil
}

// finish recalculates the liquidatee, enforces the safety property and moves
// the account to Normal or Bankrupt when the outcome warrants it.
func (e *Engine) finish(
	liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	pre *margin.Calculation,
	res *Result,
) error {
	post, err := e.calc.Calculate(liquidatee, markets, prices, e.maintenance(true))
	if err != nil {
		return err
	}

	// shortage released by this step
	marginFreed := fpmath.Max(0, pre.Shortage()-post.Shortage())

	// only a swap End reaches here for an account that already left the protocol
	if liquidatee.IsBeingLiquidated() {
		if !improved(pre, post) {
			return errors.Wrapf(errors.ErrLiquidationUnsafe,
				"requirement %d -> %d, collateral %d -> %d",
				pre.MarginRequirement, post.MarginRequirement, pre.TotalCollateral, post.TotalCollateral)
		}
		freed, err := fpmath.Add(liquidatee.LiquidationMarginFreed, marginFreed)
		if err != nil {
			return err
		}
		liquidatee.LiquidationMarginFreed = freed

		switch {
		case post.MeetsRequirement():
			if err := liquidatee.TransitionTo(state.LiquidationStatusNormal); err != nil {
				return err
			}
		case state.IsInsolvent(liquidatee):
			if err := liquidatee.TransitionTo(state.LiquidationStatusBankrupt); err != nil {
				return err
			}
		}
	}

	res.LiquidationID = liquidatee.NextLiquidationID
	res.MarginFreed = marginFreed
	res.Status = liquidatee.Status
	res.Pre = pre
	res.Post = post
	return nil
}

// improved: requirement strictly fell, collateral strictly rose, or total
// liability value strictly fell.
func improved(pre, post *margin.Calculation) bool {
	if post.MarginRequirement < pre.MarginRequirement || post.TotalCollateral > pre.TotalCollateral {
		return true
	}
	if pre.Metrics != nil && post.Metrics != nil {
		return post.Metrics.TotalLiabilityValue() < pre.Metrics.TotalLiabilityValue()
	}
	return false
}

func checkPerpMarket(m *state.PerpMarket) error {
	if m.Paused.IsPaused(state.PauseLiquidation) {
		return errors.Wrapf(errors.ErrMarketPaused, "perp %d liquidation", m.MarketIndex)
	}
	return nil
}

func checkSpotMarket(m *state.SpotMarket) error {
	if m.Paused.IsPaused(state.PauseLiquidation) {
		return errors.Wrapf(errors.ErrMarketPaused, "spot %d liquidation", m.MarketIndex)
	}
	return nil
}

// applyFeeRate returns amount * rate / LiquidationFeePrecision, rounded down.
func applyFeeRate(amount, rate int64) (int64, error) {
	if rate == 0 || amount == 0 {
		return 0, nil
	}
	return fpmath.MulDiv(amount, rate, fpmath.LiquidationFeePrecision, fpmath.RoundDown)
}
