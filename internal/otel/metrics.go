package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	AppendsTotal        metric.Int64Counter
	EvictionsTotal      metric.Int64Counter
	PrunedConversations metric.Int64Counter
	SaveDuration        metric.Float64Histogram
	SaveFailures        metric.Int64Counter
	ResolveDepth        metric.Int64Histogram
	OptimizedCalls      metric.Int64Counter
	ContextTokens       metric.Int64Histogram
	ActiveConversations metric.Int64Gauge
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AppendsTotal, err = meter.Int64Counter("parley.conversation.appends",
		metric.WithDescription("Messages appended to conversation records"),
	)
	if err != nil {
		return nil, err
	}

	m.EvictionsTotal, err = meter.Int64Counter("parley.conversation.evictions",
		metric.WithDescription("Messages evicted by the inline pruning policy"),
	)
	if err != nil {
		return nil, err
	}

	m.PrunedConversations, err = meter.Int64Counter("parley.conversation.pruned",
		metric.WithDescription("Whole records removed by age-based pruning"),
	)
	if err != nil {
		return nil, err
	}

	m.SaveDuration, err = meter.Float64Histogram("parley.snapshot.save.duration",
		metric.WithDescription("Snapshot save duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SaveFailures, err = meter.Int64Counter("parley.snapshot.save.failures",
		metric.WithDescription("Failed snapshot saves"),
	)
	if err != nil {
		return nil, err
	}

	m.ResolveDepth, err = meter.Int64Histogram("parley.refchain.depth",
		metric.WithDescription("Resolved reply-chain length per resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.OptimizedCalls, err = meter.Int64Counter("parley.window.optimized",
		metric.WithDescription("Context windows produced for model calls"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextTokens, err = meter.Int64Histogram("parley.window.tokens",
		metric.WithDescription("Estimated tokens in the API-bound slice"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConversations, err = meter.Int64Gauge("parley.conversation.active",
		metric.WithDescription("Active conversation identities"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
