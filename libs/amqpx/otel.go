package amqpx

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceHeaders writes W3C trace context into AMQP message headers.
func InjectTraceHeaders(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))
	return headers
}

// ExtractTraceContext returns ctx enriched with the trace context carried by d.
func ExtractTraceContext(ctx context.Context, d amqp.Delivery) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, tableCarrier(d.Headers))
}

type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c tableCarrier) Set(key string, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = tableCarrier{}
