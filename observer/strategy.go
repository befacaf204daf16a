package observer

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/oddlot/tape"
)

// ObservedExecutionStore wraps a tape.ExecutionStore so every strategy
// cycle record passing through it feeds the scheduler metrics. The
// executor writes one record per cycle, success and failure alike, which
// makes the store the one interposition point that sees them all.
type ObservedExecutionStore struct {
	inner tape.ExecutionStore
	inst  *Instruments
}

// WrapExecutionStore returns an instrumented execution store.
func WrapExecutionStore(inner tape.ExecutionStore, inst *Instruments) *ObservedExecutionStore {
	return &ObservedExecutionStore{inner: inner, inst: inst}
}

func (o *ObservedExecutionStore) RecordExecution(ctx context.Context, rec tape.ExecutionRecord) error {
	err := o.inner.RecordExecution(ctx, rec)

	attrs := metric.WithAttributes(
		AttrStrategyID.String(rec.StrategyID),
		AttrStrategyMode.String(string(rec.Mode)),
		AttrCycleStatus.String(rec.Status),
	)
	o.inst.StrategyCycles.Add(ctx, 1, attrs)
	o.inst.CycleDuration.Record(ctx, float64(rec.DurationMS), metric.WithAttributes(
		AttrStrategyID.String(rec.StrategyID),
		AttrStrategyMode.String(string(rec.Mode)),
	))

	var accepted, rejected int64
	for _, a := range rec.Actions {
		if a.Status == tape.ActionSkipped {
			rejected++
		} else {
			accepted++
		}
	}
	if accepted > 0 {
		o.inst.SignalsAccepted.Add(ctx, accepted, metric.WithAttributes(
			AttrStrategyID.String(rec.StrategyID),
		))
	}
	if rejected > 0 {
		o.inst.SignalsRejected.Add(ctx, rejected, metric.WithAttributes(
			AttrStrategyID.String(rec.StrategyID),
		))
	}

	return err
}

func (o *ObservedExecutionStore) Executions(ctx context.Context, strategyID string, limit int) ([]tape.ExecutionRecord, error) {
	return o.inner.Executions(ctx, strategyID, limit)
}

var _ tape.ExecutionStore = (*ObservedExecutionStore)(nil)
