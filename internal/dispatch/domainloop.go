package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tidewater/outpost/errs"
	"github.com/tidewater/outpost/internal/domain/envelope"
	"github.com/tidewater/outpost/internal/domain/outboxstore"
	"github.com/tidewater/outpost/internal/observability"
	"github.com/tidewater/outpost/internal/telemetry"
)

// LoopOptions tunes a dispatcher loop instance.
type LoopOptions struct {
	BatchSize     int
	PollInterval  time.Duration
	BatchDelay    time.Duration
	MaxAttempts   int
	LeaseDuration time.Duration
	PollRateLimit float64
}

func (o *LoopOptions) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
}

// DomainLoop polls the domain stream, claims batches under a lease, and
// invokes in-process handlers with inbox-guarded idempotency. Messages in a
// batch are processed sequentially; horizontal scale comes from running more
// loop instances, each with its own lease owner identity.
type DomainLoop struct {
	store    outboxstore.DomainStore
	registry *envelope.Registry
	handlers *HandlerRegistry
	policy   *BackoffPolicy
	metrics  *telemetry.DispatchMetrics
	tracer   trace.Tracer
	limiter  *rate.Limiter
	owner    uuid.UUID
	opts     LoopOptions
	clock    func() time.Time
}

// NewDomainLoop constructs a domain dispatcher loop with a fresh lease owner
// identity.
func NewDomainLoop(store outboxstore.DomainStore, registry *envelope.Registry, handlers *HandlerRegistry, policy *BackoffPolicy, opts LoopOptions) *DomainLoop {
	opts.normalize()
	var limiter *rate.Limiter
	if opts.PollRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PollRateLimit), 1)
	}
	return &DomainLoop{
		store:    store,
		registry: registry,
		handlers: handlers,
		policy:   policy,
		metrics:  telemetry.NewDispatchMetrics(),
		tracer:   otel.Tracer("outpost.dispatch"),
		limiter:  limiter,
		owner:    uuid.New(),
		opts:     opts,
		clock:    time.Now,
	}
}

// Owner returns the loop's lease owner identity.
func (l *DomainLoop) Owner() uuid.UUID { return l.owner }

// Run polls until ctx is cancelled. Store failures are retried with
// exponential backoff; per-message failures never leave the loop.
func (l *DomainLoop) Run(ctx context.Context) error {
	retryCfg := backoff.NewExponentialBackOff()
	retryCfg.MaxInterval = 8 * l.opts.PollInterval

	for {
		if err := pause(ctx, l.opts.PollInterval); err != nil {
			return err
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		// Idle poll stays silent: no span, no log line, just the count query.
		due, err := l.store.CountDue(ctx, outboxstore.StreamDomain, l.opts.MaxAttempts)
		if err != nil {
			observability.Log().Error("domain loop: count due", observability.F("error", err.Error()))
			if err := pause(ctx, nextRetrySleep(retryCfg)); err != nil {
				return err
			}
			continue
		}
		if due == 0 {
			continue
		}

		batch, err := l.store.ClaimBatch(ctx, outboxstore.StreamDomain, l.owner, l.opts.LeaseDuration, l.opts.BatchSize, l.opts.MaxAttempts)
		if err != nil {
			observability.Log().Error("domain loop: claim batch", observability.F("error", err.Error()))
			if err := pause(ctx, nextRetrySleep(retryCfg)); err != nil {
				return err
			}
			continue
		}
		retryCfg.Reset()
		if len(batch) == 0 {
			// Another instance won the claim race; yield this tick.
			continue
		}

		tickStart := l.clock()
		for _, msg := range batch {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			l.dispatchOne(ctx, msg)
		}
		l.metrics.RecordTick(ctx, string(outboxstore.StreamDomain), durationMillis(l.clock().Sub(tickStart)))

		if err := pause(ctx, jittered(l.opts.BatchDelay)); err != nil {
			return err
		}
	}
}

func (l *DomainLoop) dispatchOne(ctx context.Context, msg outboxstore.Message) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "outpost.dispatch "+msg.Name, telemetry.DispatchSpanOptions(msg.Trace)...)
	span.SetAttributes(telemetry.MessageAttributes(telemetry.Environment(), string(msg.Stream), msg.Name, msg.Version)...)
	defer span.End()

	scope := observability.MessageScope(msg.ID.String(), msg.CorrelationID, msg.Name, msg.Version, msg.TenantID)

	err := l.store.ProcessMessage(ctx, msg.ID, l.owner, func(ctx context.Context, tx outboxstore.MessageTx) error {
		fresh := tx.Message()
		payload, err := l.registry.Decode(fresh.Name, fresh.Version, fresh.Payload)
		if err != nil {
			return err
		}
		env := envelopeFromMessage(fresh)
		for _, handler := range l.handlers.Resolve(fresh.Name, fresh.Version) {
			identity := handler.Identity()
			seen, err := tx.HandlerSeen(ctx, identity)
			if err != nil {
				return err
			}
			if seen {
				span.AddEvent("handler already recorded", trace.WithAttributes(telemetry.AttrHandler.String(identity)))
				continue
			}
			if err := handler.Handle(ctx, env, payload); err != nil {
				return errs.New(errs.CodeHandlerFailure,
					errs.WithEvent(fresh.Name, fresh.Version),
					errs.WithHandler(identity),
					errs.WithCause(err))
			}
			if err := tx.RecordHandled(ctx, identity); err != nil {
				return err
			}
		}
		return tx.MarkProcessed(ctx)
	})

	result := l.settle(ctx, span, msg, err, scope)
	l.metrics.RecordMessage(ctx, string(msg.Stream), result)
	l.metrics.RecordMessageDuration(ctx, string(msg.Stream), result, durationMillis(l.clock().Sub(start)))
}

// settle converts the per-message outcome into durable state, metrics, and
// span status. Errors never escape: one bad message must not abort the batch
// or the loop.
func (l *DomainLoop) settle(ctx context.Context, span trace.Span, msg outboxstore.Message, err error, scope []observability.Field) string {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		return telemetry.ResultProcessed

	case errors.Is(err, outboxstore.ErrMessageUnavailable):
		span.AddEvent("message no longer available")
		return telemetry.ResultSkipped

	case errs.IsPoison(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, "poisoned")
		if perr := l.store.MarkPoisoned(ctx, msg.ID); perr != nil {
			observability.Log().Error("domain loop: mark poisoned", append(scope, observability.F("error", perr.Error()))...)
		}
		observability.Log().Error("message poisoned", append(scope, observability.F("error", err.Error()))...)
		return telemetry.ResultPoisoned

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "backoff scheduled")
		gate := l.policy.NextGate(l.clock(), msg.Attempts+1)
		if berr := l.store.SaveBackoff(ctx, msg.ID, gate); berr != nil {
			observability.Log().Error("domain loop: save backoff", append(scope, observability.F("error", berr.Error()))...)
		}
		observability.Log().Info("message backed off",
			append(scope,
				observability.F("attempts", msg.Attempts+1),
				observability.F("not_before", gate),
				observability.F("error", err.Error()))...)
		return telemetry.ResultFailed
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func envelopeFromMessage(msg outboxstore.Message) *envelope.Envelope {
	return &envelope.Envelope{
		ID:            msg.ID,
		Name:          msg.Name,
		Version:       msg.Version,
		TenantID:      msg.TenantID,
		OccurredAt:    msg.CreatedAt,
		CorrelationID: msg.CorrelationID,
		CausationID:   msg.CausationID,
		Payload:       msg.Payload,
	}
}

func nextRetrySleep(cfg *backoff.ExponentialBackOff) time.Duration {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = cfg.MaxInterval
	}
	return sleep
}

// jittered spreads the inter-batch delay so competing instances do not
// synchronize their polls.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
