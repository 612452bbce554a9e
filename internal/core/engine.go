package core

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/errors"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/liquidation"
	"PerpRisk/internal/margin"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"

	"github.com/rs/zerolog"
)

// globalCheckInterval is how often (in sequences) the journal is checked zero-sum.
const globalCheckInterval = 1000

// Config holds the core's tunables.
type Config struct {
	// StartSequence and StartHash resume a persisted log; a nil StartHash starts at genesis.
	StartSequence       int64
	StartHash           *[32]byte
	IdempotencyCapacity int
	Liquidation         liquidation.Config
	GuardRails          oracle.GuardRails
}

func DefaultConfig() Config {
	return Config{
		IdempotencyCapacity: 100_000,
		Liquidation:         liquidation.DefaultConfig(),
		GuardRails:          oracle.DefaultGuardRails(),
	}
}

// Instruction identifies one call into the core.
type Instruction struct {
	// Key deduplicates retries; empty disables deduplication.
	Key string
	// Now is the instruction clock (unix seconds). The core never reads wall-clock time for state.
	Now int64
}

// Output is everything a committed instruction produced.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

// Outputs are the fan-out channels of committed instructions. Persist is a
// blocking send; Publish drops when full. Either may be nil.
type Outputs struct {
	Persist chan<- Output
	Publish chan<- Output
}

// RiskEngine is the single-threaded transactional facade over margin,
// liquidation, bankruptcy and settlement. Every mutating call commits fully
// or restores the accounts and markets it touched.
type RiskEngine struct {
	cfg          Config
	markets      *state.MarketSet
	source       oracle.Source
	calc         *margin.Calculator
	liquidations *liquidation.Engine
	matcher      *recordingMatcher
	hasher       *StateHasher
	tracker      *ledger.BalanceTracker
	journalGen   *ledger.JournalGenerator
	validator    *ledger.InvariantValidator
	idempotency  *IdempotencyChecker
	clocks       *ClockValidator
	metrics      *observability.Metrics
	logger       zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewRiskEngine(
	cfg Config,
	markets *state.MarketSet,
	source oracle.Source,
	matcher liquidation.Matcher,
	outputs Outputs,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*RiskEngine, error) {
	idempotency, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics)
	if err != nil {
		return nil, err
	}
	tracker := ledger.NewBalanceTracker()
	calc := margin.NewCalculator(amm.ConstantProduct{})
	hasher := NewStateHasher()
	if cfg.StartHash != nil {
		hasher = NewStateHasherFrom(*cfg.StartHash)
	}

	e := &RiskEngine{
		cfg:         cfg,
		markets:     markets,
		source:      source,
		calc:        calc,
		hasher:      hasher,
		tracker:     tracker,
		journalGen:  ledger.NewJournalGenerator(cfg.StartSequence, tracker),
		validator:   ledger.NewInvariantValidator(tracker),
		idempotency: idempotency,
		clocks:      NewClockValidator(),
		metrics:     metrics,
		logger:      logger,
		persistChan: outputs.Persist,
		publishChan: outputs.Publish,
	}
	if matcher != nil {
		e.matcher = &recordingMatcher{inner: matcher}
		e.liquidations = liquidation.NewEngine(calc, e.matcher, cfg.Liquidation)
	} else {
		e.liquidations = liquidation.NewEngine(calc, nil, cfg.Liquidation)
	}
	return e, nil
}

// Markets returns the live market set.
func (e *RiskEngine) Markets() *state.MarketSet {
	return e.markets
}

// Sequence returns the sequence the next committed instruction receives.
func (e *RiskEngine) Sequence() int64 {
	return e.journalGen.Sequence()
}

// StateHash returns the hash chain tip.
func (e *RiskEngine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// WarmIdempotency preloads keys committed before a restart.
func (e *RiskEngine) WarmIdempotency(instruction string, keys []string) {
	e.idempotency.Warm(instruction, keys)
}

// Ledger returns the journal balance tracker.
func (e *RiskEngine) Ledger() *ledger.BalanceTracker {
	return e.tracker
}

// --- Transactions ---

// transaction holds the pre-instruction state an abort restores. The balance
// tracker needs no snapshot: a batch is applied last and all-or-nothing.
type transaction struct {
	accounts  []*state.Account
	snapshots []*state.Account
	markets   *state.MarketSet
	tip       [32]byte
}

func (e *RiskEngine) begin(accounts ...*state.Account) *transaction {
	tx := &transaction{
		markets: e.markets.Clone(),
		tip:     e.hasher.GetPrevHash(),
	}
	for _, a := range accounts {
		tx.track(a)
	}
	return tx
}

// track adds an account to the transaction before its first mutation.
func (tx *transaction) track(acct *state.Account) {
	if acct == nil || slices.Contains(tx.accounts, acct) {
		return
	}
	tx.accounts = append(tx.accounts, acct)
	tx.snapshots = append(tx.snapshots, acct.Clone())
}

func (e *RiskEngine) rollback(tx *transaction) {
	for i, a := range tx.accounts {
		*a = *tx.snapshots[i]
	}
	e.markets.Restore(tx.markets)
	e.hasher.Reset(tx.tip)
}

// applied is what an instruction body hands to commit.
type applied struct {
	record  event.Record
	journal func(b *ledger.Batch)
	observe func(m *observability.Metrics)
}

// execute runs body inside a transaction and commits its outcome. A committed
// key returns the cached result without running body again.
func execute[T any](
	e *RiskEngine,
	name string,
	ins Instruction,
	accounts []*state.Account,
	body func(prices *oracle.Map) (T, *applied, error),
) (T, error) {
	var zero T
	start := time.Now()

	if cached, known := e.idempotency.Lookup(name, ins.Key); known {
		if res, ok := cached.(T); ok {
			return res, nil
		}
		return zero, errors.Wrapf(errors.ErrDuplicateInstruction, "%s %s", name, ins.Key)
	}
	for _, a := range accounts {
		if err := e.clocks.Validate(a.ID, ins.Now); err != nil {
			e.reject(name, ins, accounts, err)
			return zero, err
		}
	}

	tx := e.begin(accounts...)
	if e.matcher != nil {
		e.matcher.tx = tx
		defer func() { e.matcher.tx = nil }()
	}

	prices := oracle.NewMap(e.source, e.cfg.GuardRails, ins.Now)
	res, app, err := body(prices)
	var out *Output
	if err == nil {
		out, err = e.commit(name, ins, tx, app)
	}
	if err != nil {
		e.rollback(tx)
		e.reject(name, ins, accounts, err)
		return zero, err
	}

	for _, a := range tx.accounts {
		e.clocks.Observe(a.ID, ins.Now)
	}
	e.idempotency.MarkProcessed(name, ins.Key, res)
	e.emit(out)

	if e.metrics != nil {
		e.metrics.InstructionsApplied.WithLabelValues(name).Inc()
		e.metrics.InstructionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.journalGen.Sequence()))
		for _, j := range out.Batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		if app.observe != nil {
			app.observe(e.metrics)
		}
	}

	ev := e.logger.Info().
		Str("instruction", name).
		Str("key", ins.Key).
		Int64("sequence", out.Envelope.Sequence).
		Int("journals", len(out.Batch.Journals))
	if app.record != nil {
		ev = ev.Str("account", app.record.AccountID().String())
		if idx := app.record.MarketIndex(); idx != nil {
			ev = ev.Uint16("market", *idx)
		}
	}
	ev.Msg("instruction committed")

	return res, nil
}

func (e *RiskEngine) reject(name string, ins Instruction, accounts []*state.Account, err error) {
	kind := errors.KindOf(err)
	if e.metrics != nil {
		e.metrics.InstructionsRejected.WithLabelValues(name, kind).Inc()
	}
	ev := e.logger.Warn().
		Str("instruction", name).
		Str("key", ins.Key).
		Str("kind", kind).
		Bool("retryable", errors.Retryable(err)).
		Err(err)
	if len(accounts) > 0 {
		ev = ev.Str("account", accounts[len(accounts)-1].ID.String())
	}
	ev.Msg("instruction aborted")
}

// commit journals, hashes and sequences an instruction. The batch is applied
// to the tracker last, so any earlier failure leaves the ledger untouched.
func (e *RiskEngine) commit(name string, ins Instruction, tx *transaction, app *applied) (*Output, error) {
	batch := e.journalGen.NewBatch(ins.Key, ins.Now)
	if app.journal != nil {
		app.journal(batch)
	}
	if err := e.validator.ValidateBatchBalance(batch); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	hashStart := time.Now()
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(batch.Sequence, e.stateDigest(tx))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if err := e.journalGen.Commit(batch); err != nil {
		return nil, fmt.Errorf("journal commit: %w", err)
	}
	if batch.Sequence > 0 && batch.Sequence%globalCheckInterval == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: journal is not zero-sum at seq %d: %v", batch.Sequence, err))
		}
	}

	env := &event.Envelope{
		Sequence:       batch.Sequence,
		Instruction:    name,
		IdempotencyKey: ins.Key,
		Timestamp:      ins.Now,
		Record:         app.record,
		StateHash:      hash,
		PrevHash:       prev,
	}
	if app.record != nil {
		env.RecordType = app.record.RecordType()
		env.MarketIndex = app.record.MarketIndex()
	}
	return &Output{Envelope: env, Batch: batch}, nil
}

// stateDigest serializes the touched accounts (by id) and every market (by index).
func (e *RiskEngine) stateDigest(tx *transaction) []byte {
	accounts := slices.Clone(tx.accounts)
	slices.SortFunc(accounts, func(a, b *state.Account) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	digest := make([]byte, 0, 256*(len(accounts)+2))
	for _, a := range accounts {
		digest = append(digest, a.CanonicalBytes()...)
	}
	for _, idx := range e.markets.SpotIndexes() {
		m, _ := e.markets.Spot(idx)
		digest = append(digest, m.CanonicalBytes()...)
	}
	for _, idx := range e.markets.PerpIndexes() {
		m, _ := e.markets.Perp(idx)
		digest = append(digest, m.CanonicalBytes()...)
	}
	return digest
}

// emit fans out a committed output. Persistence: blocking send, the core
// stalls until the worker drains. Publishing: non-blocking, dropped when full.
func (e *RiskEngine) emit(out *Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- *out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- *out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- *out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// --- Matcher ---

// recordingMatcher adds any maker account a fill touches to the open
// transaction so an abort restores it too.
type recordingMatcher struct {
	inner liquidation.Matcher
	tx    *transaction
}

func (m *recordingMatcher) FillLiquidationOrder(req liquidation.FillRequest) (*liquidation.Fill, error) {
	fill, err := m.inner.FillLiquidationOrder(req)
	if err != nil || fill == nil {
		return fill, err
	}
	if fill.Maker != nil && m.tx != nil {
		m.tx.track(fill.Maker)
	}
	return fill, nil
}

// --- Margin ---

// CalculateMargin reads an account's margin under ctx at clock now. It never mutates.
func (e *RiskEngine) CalculateMargin(acct *state.Account, ctx margin.Context, now int64) (*margin.Calculation, error) {
	prices := oracle.NewMap(e.source, e.cfg.GuardRails, now)
	calc, err := e.calc.Calculate(acct, e.markets, prices, ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.MarginChecks.WithLabelValues(ctx.Type.String(), errors.KindOf(err)).Inc()
		}
		return nil, err
	}
	if e.metrics != nil {
		outcome := "short"
		if calc.MeetsRequirement() {
			outcome = "met"
		}
		e.metrics.MarginChecks.WithLabelValues(ctx.Type.String(), outcome).Inc()
		if !calc.AllOraclesValid {
			e.metrics.InvalidOracleReads.Inc()
		}
	}
	return calc, nil
}

// ObserveVault records the token balance seen in a spot market's vault. The
// dispatch layer reports it around an external swap so End can check deltas.
func (e *RiskEngine) ObserveVault(ins Instruction, marketIndex uint16, balance int64) error {
	_, err := execute(e, "observe_vault", ins, nil, func(_ *oracle.Map) (struct{}, *applied, error) {
		m, err := e.markets.Spot(marketIndex)
		if err != nil {
			return struct{}{}, nil, err
		}
		if balance < 0 {
			return struct{}{}, nil, errors.Wrapf(errors.ErrValidation, "spot %d vault balance %d", marketIndex, balance)
		}
		m.VaultBalance = balance
		return struct{}{}, &applied{
			record: &event.VaultObserved{Market: marketIndex, Balance: event.Tokens(balance, m.Decimals)},
		}, nil
	})
	return err
}
