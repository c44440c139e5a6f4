package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tidewater/outpost/internal/domain/envelope"
	"github.com/tidewater/outpost/internal/domain/outboxstore"
	"github.com/tidewater/outpost/internal/observability"
	"github.com/tidewater/outpost/internal/telemetry"
)

// Publisher sends one outbox message to an external broker topic. The relay
// loop owns topic derivation; implementations own encoding and headers.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg outboxstore.Message) error
}

// RelayLoop is the broker-transport alternative to the integration dispatcher:
// instead of invoking in-process subscriber handlers, it publishes raw
// envelopes to a topic derived from the event type. Row-locking batch reads
// partition work across relay instances without leases. A deployment runs
// either this loop or the IntegrationLoop for an event family, never both.
type RelayLoop struct {
	store       outboxstore.RelayStore
	publisher   Publisher
	policy      *BackoffPolicy
	metrics     *telemetry.DispatchMetrics
	topicPrefix string
	opts        LoopOptions
	clock       func() time.Time
}

// NewRelayLoop constructs a relay loop publishing through publisher.
func NewRelayLoop(store outboxstore.RelayStore, publisher Publisher, policy *BackoffPolicy, topicPrefix string, opts LoopOptions) *RelayLoop {
	opts.normalize()
	return &RelayLoop{
		store:       store,
		publisher:   publisher,
		policy:      policy,
		metrics:     telemetry.NewDispatchMetrics(),
		topicPrefix: topicPrefix,
		opts:        opts,
		clock:       time.Now,
	}
}

// Topic derives the broker topic for a message: the configured prefix plus
// the canonical "name.v{version}" type key.
func (l *RelayLoop) Topic(msg outboxstore.Message) string {
	return l.topicPrefix + envelope.TypeKey(msg.Name, msg.Version)
}

// Run polls until ctx is cancelled, publishing locked batches.
func (l *RelayLoop) Run(ctx context.Context) error {
	retryCfg := backoff.NewExponentialBackOff()
	retryCfg.MaxInterval = 8 * l.opts.PollInterval

	for {
		if err := pause(ctx, l.opts.PollInterval); err != nil {
			return err
		}

		tickStart := l.clock()
		published, err := l.store.RelayBatch(ctx, l.opts.BatchSize, l.opts.MaxAttempts,
			func(ctx context.Context, msg outboxstore.Message) error {
				if perr := l.publisher.Publish(ctx, l.Topic(msg), msg); perr != nil {
					observability.Log().Info("relay publish backed off",
						append(observability.MessageScope(msg.ID.String(), msg.CorrelationID, msg.Name, msg.Version, msg.TenantID),
							observability.F("attempts", msg.Attempts+1),
							observability.F("error", perr.Error()))...)
					l.metrics.RecordMessage(ctx, string(outboxstore.StreamIntegration), telemetry.ResultFailed)
					return perr
				}
				l.metrics.RecordMessage(ctx, string(outboxstore.StreamIntegration), telemetry.ResultProcessed)
				return nil
			},
			l.policy.Delay,
		)
		if err != nil {
			observability.Log().Error("relay loop: relay batch", observability.F("error", err.Error()))
			if err := pause(ctx, nextRetrySleep(retryCfg)); err != nil {
				return err
			}
			continue
		}
		retryCfg.Reset()
		if published > 0 {
			l.metrics.RecordTick(ctx, string(outboxstore.StreamIntegration), durationMillis(l.clock().Sub(tickStart)))
		}

		if err := pause(ctx, jittered(l.opts.BatchDelay)); err != nil {
			return err
		}
	}
}
