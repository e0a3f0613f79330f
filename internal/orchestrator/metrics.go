package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ariefcatur/go-order-saga/internal/saga"
)

type instruments struct {
	operations    metric.Int64Counter
	steps         metric.Int64Counter
	compensations metric.Int64Counter
	duration      metric.Float64Histogram
}

func newInstruments(m metric.Meter) (instruments, error) {
	var in instruments
	var err1, err2, err3, err4 error
	in.operations, err1 = m.Int64Counter("orders.operations",
		metric.WithDescription("Orchestrator operations by outcome"))
	in.steps, err2 = m.Int64Counter("orders.workflow.steps",
		metric.WithDescription("Saga steps by status"))
	in.compensations, err3 = m.Int64Counter("orders.compensations",
		metric.WithDescription("Orders cancelled by compensation, by reason"))
	in.duration, err4 = m.Float64Histogram("orders.operation.duration",
		metric.WithDescription("Orchestrator operation latency"), metric.WithUnit("s"))
	return in, errors.Join(err1, err2, err3, err4)
}

func noopInstruments() instruments {
	in, _ := newInstruments(noop.NewMeterProvider().Meter("orchestrator"))
	return in
}

func (in instruments) observe(ctx context.Context, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	in.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op), attribute.String("outcome", outcome)))
	in.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", op)))
}

// step records a saga step on the log and counts it.
func (o *Orchestrator) step(ctx context.Context, sl *saga.Log, name string, status saga.StepStatus, detail string) {
	sl.Record(name, status, detail, o.now())
	o.metrics.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", name), attribute.String("status", string(status))))
}
