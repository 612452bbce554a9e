package config

import (
	"math"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/errors"
	"PerpRisk/internal/liquidation"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// EnvPrefix prefixes every variable, e.g. PERP_RISK_LIQUIDATION_DURATION.
const EnvPrefix = "PERP_RISK"

type Config struct {
	LogLevel            string `envconfig:"LOG_LEVEL" default:"info"`
	IdempotencyCapacity int    `envconfig:"IDEMPOTENCY_CAPACITY" default:"100000"`
	// MetricsAddr serves /metrics; empty disables the listener.
	MetricsAddr         string `envconfig:"METRICS_ADDR" default:":9091"`

	Liquidation LiquidationConfig `envconfig:"LIQUIDATION"`
	Oracle      OracleConfig      `envconfig:"ORACLE"`
	Margin      MarginConfig      `envconfig:"MARGIN"`
	Postgres    PostgresConfig    `envconfig:"POSTGRES"`
	NATS        NATSConfig        `envconfig:"NATS"`
}

// Ratios are human decimals ("0.25" is 25%).
type LiquidationConfig struct {
	Duration     time.Duration   `envconfig:"DURATION" default:"5m"`
	InitialPct   decimal.Decimal `envconfig:"INITIAL_PCT" default:"0.25"`
	MarginBuffer decimal.Decimal `envconfig:"MARGIN_BUFFER" default:"0.02"`
	// SwapTimeout frees a market whose swap End never arrived; 0 waits for End.
	SwapTimeout  time.Duration   `envconfig:"SWAP_TIMEOUT" default:"2m"`
}

type OracleConfig struct {
	MaxStaleness       time.Duration   `envconfig:"MAX_STALENESS" default:"2m"`
	MaxConfidenceRatio decimal.Decimal `envconfig:"MAX_CONFIDENCE_RATIO" default:"0.02"`
}

type MarginConfig struct {
	// QuoteParBand is the distance from $1 within which the quote asset is valued at par.
	QuoteParBand decimal.Decimal `envconfig:"QUOTE_PAR_BAND" default:"0.01"`
}

type PostgresConfig struct {
	URL           string        `envconfig:"URL" default:"postgres://localhost:5432/perprisk?sslmode=disable"`
	MigrationsDir string        `envconfig:"MIGRATIONS_DIR" default:"migrations"`
	Queue         int           `envconfig:"QUEUE" default:"1024"`
	BatchSize     int           `envconfig:"BATCH_SIZE" default:"256"`
	FlushTimeout  time.Duration `envconfig:"FLUSH_TIMEOUT" default:"50ms"`
}

// An empty URL disables record publishing.
type NATSConfig struct {
	URL          string `envconfig:"URL" default:"nats://localhost:4222"`
	RecordStream string `envconfig:"RECORD_STREAM" default:"PERP_RISK_RECORDS"`
	PublishQueue int    `envconfig:"PUBLISH_QUEUE" default:"4096"`
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that envconfig cannot express.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case c.IdempotencyCapacity <= 0:
		return errors.Wrapf(errors.ErrValidation, "idempotency capacity %d", c.IdempotencyCapacity)
	case c.Liquidation.Duration < 0:
		return errors.Wrapf(errors.ErrValidation, "liquidation duration %s", c.Liquidation.Duration)
	case !c.Liquidation.InitialPct.IsPositive() || c.Liquidation.InitialPct.GreaterThan(one):
		return errors.Wrapf(errors.ErrValidation, "liquidation initial pct %s", c.Liquidation.InitialPct)
	case c.Liquidation.MarginBuffer.IsNegative():
		return errors.Wrapf(errors.ErrValidation, "liquidation margin buffer %s", c.Liquidation.MarginBuffer)
	case c.Liquidation.SwapTimeout < 0:
		return errors.Wrapf(errors.ErrValidation, "liquidation swap timeout %s", c.Liquidation.SwapTimeout)
	case c.Oracle.MaxConfidenceRatio.IsNegative():
		return errors.Wrapf(errors.ErrValidation, "oracle confidence ratio %s", c.Oracle.MaxConfidenceRatio)
	case c.Margin.QuoteParBand.IsNegative():
		return errors.Wrapf(errors.ErrValidation, "quote par band %s", c.Margin.QuoteParBand)
	case c.Postgres.Queue <= 0:
		return errors.Wrapf(errors.ErrValidation, "postgres queue %d", c.Postgres.Queue)
	case c.Postgres.BatchSize <= 0:
		return errors.Wrapf(errors.ErrValidation, "postgres batch size %d", c.Postgres.BatchSize)
	}
	return nil
}

// Core converts the configuration to the engine's fixed-point parameters.
func (c *Config) Core() (core.Config, error) {
	initialPct, err := ToFixed(c.Liquidation.InitialPct, fpmath.LiquidationPctPrecision)
	if err != nil {
		return core.Config{}, errors.Wrap(err, "liquidation initial pct")
	}
	buffer, err := ToFixed(c.Liquidation.MarginBuffer, fpmath.MarginPrecision)
	if err != nil {
		return core.Config{}, errors.Wrap(err, "liquidation margin buffer")
	}
	confidence, err := ToFixed(c.Oracle.MaxConfidenceRatio, fpmath.MarginPrecision)
	if err != nil {
		return core.Config{}, errors.Wrap(err, "oracle confidence ratio")
	}
	band, err := ToFixed(c.Margin.QuoteParBand, fpmath.PricePrecision)
	if err != nil {
		return core.Config{}, errors.Wrap(err, "quote par band")
	}

	return core.Config{
		IdempotencyCapacity: c.IdempotencyCapacity,
		Liquidation: liquidation.Config{
			Duration:     int64(c.Liquidation.Duration / time.Second),
			InitialPct:   initialPct,
			MarginBuffer: buffer,
			QuoteParBand: band,
			SwapTimeout:  int64(c.Liquidation.SwapTimeout / time.Second),
		},
		GuardRails: oracle.GuardRails{
			MaxStalenessSeconds: int64(c.Oracle.MaxStaleness / time.Second),
			MaxConfidenceRatio:  confidence,
		},
	}, nil
}

// ToFixed scales a decimal to an integer at precision. Values that do not land
// exactly on the precision grid are rejected rather than rounded.
func ToFixed(d decimal.Decimal, precision int64) (int64, error) {
	scaled := d.Mul(decimal.NewFromInt(precision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, errors.Wrapf(errors.ErrValidation, "%s exceeds precision %d", d, precision)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, errors.Wrapf(errors.ErrOverflow, "%s at precision %d", d, precision)
	}
	return scaled.IntPart(), nil
}
