package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectPrefix roots every record subject: perp.risk.records.{record_type}[.{market}]
const SubjectPrefix = "perp.risk.records"

// StreamPublisher is the slice of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed instruction records to NATS for
// downstream consumers. It reads the core's non-blocking publish channel, so
// a slow broker drops records rather than stalling the core; consumers that
// need every record read the Postgres log.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				// non-fatal: the record is durable in Postgres
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				continue
			}
			if op.metrics != nil {
				op.metrics.PublishedRecords.Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	data, err := out.Envelope.Encode()
	if err != nil {
		return err
	}
	// the sequence doubles as the message id so JetStream drops redeliveries
	_, err = op.js.Publish(ctx, Subject(out), data,
		jetstream.WithMsgID(strconv.FormatInt(out.Envelope.Sequence, 10)))
	return err
}

// Subject returns the subject a committed output is published on.
func Subject(out core.Output) string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, out.Envelope.RecordType)
	if idx := out.Envelope.MarketIndex; idx != nil {
		subject = fmt.Sprintf("%s.%d", subject, *idx)
	}
	return subject
}

// EnsureStream creates or updates the record stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create record stream: %w", err)
	}
	logger.Info().Str("stream", name).Msg("ensured record stream")
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
