package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// CompositeProvider delegates every call to a set of enabled providers
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider keeps only the non-nil, enabled providers
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	enabled := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil && p.Enabled() {
			enabled = append(enabled, p)
		}
	}
	return &CompositeProvider{providers: enabled}
}

var (
	_ Provider          = (*CompositeProvider)(nil)
	_ HTTPProvider      = (*CompositeProvider)(nil)
	_ CollectorProvider = (*CompositeProvider)(nil)
	_ Flusher           = (*CompositeProvider)(nil)
)

// Name returns the provider name
func (c *CompositeProvider) Name() string {
	return string(ProviderTypeComposite)
}

// Enabled returns true if at least one provider is enabled
func (c *CompositeProvider) Enabled() bool {
	return len(c.providers) > 0
}

func (c *CompositeProvider) each(fn func(Provider)) {
	for _, p := range c.providers {
		fn(p)
	}
}

func (c *CompositeProvider) eachErr(fn func(Provider) error) error {
	var errs []error
	for _, p := range c.providers {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CompositeProvider) PutMetric(ctx context.Context, name string, value float64, unit string, dimensions map[string]string) error {
	return c.eachErr(func(p Provider) error { return p.PutMetric(ctx, name, value, unit, dimensions) })
}

func (c *CompositeProvider) Increment(ctx context.Context, name string, dimensions map[string]string) error {
	return c.eachErr(func(p Provider) error { return p.Increment(ctx, name, dimensions) })
}

func (c *CompositeProvider) RecordDuration(ctx context.Context, name string, durationMs float64, dimensions map[string]string) error {
	return c.eachErr(func(p Provider) error { return p.RecordDuration(ctx, name, durationMs, dimensions) })
}

func (c *CompositeProvider) IncFetches(ctx context.Context, queue, backend string) {
	c.each(func(p Provider) { p.IncFetches(ctx, queue, backend) })
}

func (c *CompositeProvider) IncFetchErrors(ctx context.Context, queue, backend string) {
	c.each(func(p Provider) { p.IncFetchErrors(ctx, queue, backend) })
}

func (c *CompositeProvider) AddMessagesReceived(ctx context.Context, queue string, count int) {
	c.each(func(p Provider) { p.AddMessagesReceived(ctx, queue, count) })
}

func (c *CompositeProvider) ObserveFetchDuration(ctx context.Context, queue string, durationMs float64) {
	c.each(func(p Provider) { p.ObserveFetchDuration(ctx, queue, durationMs) })
}

func (c *CompositeProvider) SetPendingOperations(ctx context.Context, count float64) {
	c.each(func(p Provider) { p.SetPendingOperations(ctx, count) })
}

func (c *CompositeProvider) IncMessagesProcessed(ctx context.Context, queue, outcome string) {
	c.each(func(p Provider) { p.IncMessagesProcessed(ctx, queue, outcome) })
}

func (c *CompositeProvider) IncProcessingErrors(ctx context.Context, queue, errorType string) {
	c.each(func(p Provider) { p.IncProcessingErrors(ctx, queue, errorType) })
}

func (c *CompositeProvider) ObserveProcessingDuration(ctx context.Context, queue string, durationMs float64) {
	c.each(func(p Provider) { p.ObserveProcessingDuration(ctx, queue, durationMs) })
}

func (c *CompositeProvider) IncPipelineRestarts(ctx context.Context, queue string) {
	c.each(func(p Provider) { p.IncPipelineRestarts(ctx, queue) })
}

func (c *CompositeProvider) IncMessagesSent(ctx context.Context, queue, status string) {
	c.each(func(p Provider) { p.IncMessagesSent(ctx, queue, status) })
}

// Handler returns the handler of the first HTTPProvider, or nil
func (c *CompositeProvider) Handler() http.Handler {
	for _, p := range c.providers {
		if hp, ok := p.(HTTPProvider); ok {
			return hp.Handler()
		}
	}
	return nil
}

// Collectors returns the collectors of every CollectorProvider
func (c *CompositeProvider) Collectors() []prometheus.Collector {
	var collectors []prometheus.Collector
	for _, p := range c.providers {
		if cp, ok := p.(CollectorProvider); ok {
			collectors = append(collectors, cp.Collectors()...)
		}
	}
	return collectors
}

// Register registers every CollectorProvider
func (c *CompositeProvider) Register() error {
	return c.eachErr(func(p Provider) error {
		if cp, ok := p.(CollectorProvider); ok {
			return cp.Register()
		}
		return nil
	})
}

// Flush flushes every buffering provider
func (c *CompositeProvider) Flush(ctx context.Context) error {
	return c.eachErr(func(p Provider) error {
		if f, ok := p.(Flusher); ok {
			return f.Flush(ctx)
		}
		return nil
	})
}

// GetProvider returns the first provider of the given type, or nil
func (c *CompositeProvider) GetProvider(providerType ProviderType) Provider {
	for _, p := range c.providers {
		if p.Name() == string(providerType) {
			return p
		}
	}
	return nil
}

// Providers returns all underlying providers
func (c *CompositeProvider) Providers() []Provider {
	return c.providers
}
