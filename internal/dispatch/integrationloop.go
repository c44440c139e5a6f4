package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidewater/outpost/errs"
	"github.com/tidewater/outpost/internal/domain/envelope"
	"github.com/tidewater/outpost/internal/domain/outboxstore"
	"github.com/tidewater/outpost/internal/observability"
	"github.com/tidewater/outpost/internal/telemetry"
)

// IntegrationLoop polls due delivery rows and invokes the owning subscriber
// handler per row. Each subscriber retries on its own schedule: one failing
// delivery backs off alone while its siblings proceed. The owning event's
// processed flag is derived, set by whichever delivery completes last.
type IntegrationLoop struct {
	deliveries  outboxstore.DeliveryStore
	registry    *envelope.Registry
	subscribers *SubscriberRegistry
	policy      *BackoffPolicy
	metrics     *telemetry.DispatchMetrics
	tracer      trace.Tracer
	opts        LoopOptions
	clock       func() time.Time
}

// NewIntegrationLoop constructs an integration dispatcher loop.
func NewIntegrationLoop(deliveries outboxstore.DeliveryStore, registry *envelope.Registry, subscribers *SubscriberRegistry, policy *BackoffPolicy, opts LoopOptions) *IntegrationLoop {
	opts.normalize()
	return &IntegrationLoop{
		deliveries:  deliveries,
		registry:    registry,
		subscribers: subscribers,
		policy:      policy,
		metrics:     telemetry.NewDispatchMetrics(),
		tracer:      otel.Tracer("outpost.dispatch"),
		opts:        opts,
		clock:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (l *IntegrationLoop) Run(ctx context.Context) error {
	retryCfg := backoff.NewExponentialBackOff()
	retryCfg.MaxInterval = 8 * l.opts.PollInterval

	for {
		if err := pause(ctx, l.opts.PollInterval); err != nil {
			return err
		}

		due, err := l.deliveries.ListDue(ctx, l.opts.MaxAttempts, l.opts.BatchSize)
		if err != nil {
			observability.Log().Error("integration loop: list due", observability.F("error", err.Error()))
			if err := pause(ctx, nextRetrySleep(retryCfg)); err != nil {
				return err
			}
			continue
		}
		retryCfg.Reset()
		if len(due) == 0 {
			continue
		}

		tickStart := l.clock()
		for _, delivery := range due {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			l.dispatchOne(ctx, delivery)
		}
		l.metrics.RecordTick(ctx, string(outboxstore.StreamIntegration), durationMillis(l.clock().Sub(tickStart)))

		if err := pause(ctx, jittered(l.opts.BatchDelay)); err != nil {
			return err
		}
	}
}

func (l *IntegrationLoop) dispatchOne(ctx context.Context, delivery outboxstore.Delivery) {
	start := l.clock()
	var span trace.Span
	var msg outboxstore.Message
	var poisoned bool

	err := l.deliveries.ProcessDelivery(ctx, delivery.ID, func(ctx context.Context, tx outboxstore.DeliveryTx) error {
		msg = tx.Message()
		ctx, span = l.tracer.Start(ctx, "outpost.deliver "+msg.Name, telemetry.DispatchSpanOptions(msg.Trace)...)
		span.SetAttributes(telemetry.MessageAttributes(telemetry.Environment(), string(outboxstore.StreamIntegration), msg.Name, msg.Version)...)
		span.SetAttributes(telemetry.AttrSubscriber.String(delivery.Subscriber))

		payload, err := l.registry.Decode(msg.Name, msg.Version, msg.Payload)
		if err != nil {
			// Structural failure is shared by every sibling: poison the owning
			// event inside this transaction and commit.
			if perr := tx.MarkMessagePoisoned(ctx); perr != nil {
				return perr
			}
			poisoned = true
			span.RecordError(err)
			span.SetStatus(codes.Error, "poisoned")
			observability.Log().Error("integration event poisoned",
				append(l.scope(msg), observability.F("error", err.Error()))...)
			return nil
		}

		handler, ok := l.subscribers.Resolve(msg.Name, msg.Version, delivery.Subscriber)
		if !ok {
			return errs.New(errs.CodeHandlerFailure,
				errs.WithMessage("subscriber not registered"),
				errs.WithEvent(msg.Name, msg.Version),
				errs.WithHandler(delivery.Subscriber))
		}
		if err := handler.Handle(ctx, envelopeFromMessage(msg), payload); err != nil {
			return errs.New(errs.CodeHandlerFailure,
				errs.WithEvent(msg.Name, msg.Version),
				errs.WithHandler(delivery.Subscriber),
				errs.WithCause(err))
		}
		if err := tx.MarkProcessed(ctx); err != nil {
			return err
		}
		remaining, err := tx.SiblingsRemaining(ctx)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return tx.MarkMessageProcessed(ctx)
		}
		return nil
	})

	if span != nil {
		defer span.End()
	}

	switch {
	case err == nil && poisoned:
		l.metrics.RecordMessage(ctx, string(outboxstore.StreamIntegration), telemetry.ResultPoisoned)

	case err == nil:
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
		l.metrics.RecordDelivery(ctx, delivery.Subscriber, telemetry.ResultProcessed)

	case errors.Is(err, outboxstore.ErrMessageUnavailable):
		if span != nil {
			span.AddEvent("delivery no longer available")
		}

	default:
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "backoff scheduled")
		}
		gate := l.policy.NextGate(l.clock(), delivery.Attempts+1)
		if berr := l.deliveries.SaveBackoff(ctx, delivery.ID, gate); berr != nil {
			observability.Log().Error("integration loop: save backoff",
				append(l.scope(msg), observability.F("error", berr.Error()))...)
		}
		observability.Log().Info("delivery backed off",
			append(l.scope(msg),
				observability.F("subscriber", delivery.Subscriber),
				observability.F("attempts", delivery.Attempts+1),
				observability.F("not_before", gate),
				observability.F("error", err.Error()))...)
		l.metrics.RecordDelivery(ctx, delivery.Subscriber, telemetry.ResultFailed)
	}

	result := resultOf(err)
	if poisoned {
		result = telemetry.ResultPoisoned
	}
	l.metrics.RecordMessageDuration(ctx, string(outboxstore.StreamIntegration), result, durationMillis(l.clock().Sub(start)))
}

func (l *IntegrationLoop) scope(msg outboxstore.Message) []observability.Field {
	return observability.MessageScope(msg.ID.String(), msg.CorrelationID, msg.Name, msg.Version, msg.TenantID)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return telemetry.ResultProcessed
	case errors.Is(err, outboxstore.ErrMessageUnavailable):
		return telemetry.ResultSkipped
	default:
		return telemetry.ResultFailed
	}
}
