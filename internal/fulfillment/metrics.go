package fulfillment

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("fulfillment")

type metrics struct {
	outcomes         metric.Int64Counter
	dispatchFailures metric.Int64Counter
	shortfallUnits   metric.Int64Counter
	reconciled       metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	outcomes, err := meter.Int64Counter("fulfillment.outcomes",
		metric.WithDescription("Payment confirmation attempts by outcome"))
	if err != nil {
		return nil, err
	}

	dispatchFailures, err := meter.Int64Counter("fulfillment.dispatch.failures",
		metric.WithDescription("Payment notifications that could not be handed to a worker"))
	if err != nil {
		return nil, err
	}

	shortfallUnits, err := meter.Int64Counter("fulfillment.stock.shortfall",
		metric.WithDescription("Confirmed units that could not be deducted from stock"))
	if err != nil {
		return nil, err
	}

	reconciled, err := meter.Int64Counter("fulfillment.reconciled",
		metric.WithDescription("Pending orders re-dispatched by the reconciler"))
	if err != nil {
		return nil, err
	}

	return &metrics{
		outcomes:         outcomes,
		dispatchFailures: dispatchFailures,
		shortfallUnits:   shortfallUnits,
		reconciled:       reconciled,
	}, nil
}
