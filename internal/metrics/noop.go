package metrics

import (
	"context"
)

// NoopProvider discards everything. Used when metrics are disabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-operation metrics provider
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

var _ Provider = (*NoopProvider)(nil)

func (n *NoopProvider) Name() string  { return string(ProviderTypeNoop) }
func (n *NoopProvider) Enabled() bool { return false }

func (n *NoopProvider) PutMetric(context.Context, string, float64, string, map[string]string) error {
	return nil
}
func (n *NoopProvider) Increment(context.Context, string, map[string]string) error { return nil }
func (n *NoopProvider) RecordDuration(context.Context, string, float64, map[string]string) error {
	return nil
}

func (n *NoopProvider) IncFetches(context.Context, string, string) {}
func (n *NoopProvider) IncFetchErrors(context.Context, string, string) {}
func (n *NoopProvider) AddMessagesReceived(context.Context, string, int) {}
func (n *NoopProvider) ObserveFetchDuration(context.Context, string, float64) {}
func (n *NoopProvider) SetPendingOperations(context.Context, float64) {}
func (n *NoopProvider) IncMessagesProcessed(context.Context, string, string) {}
func (n *NoopProvider) IncProcessingErrors(context.Context, string, string) {}
func (n *NoopProvider) ObserveProcessingDuration(context.Context, string, float64) {}
func (n *NoopProvider) IncPipelineRestarts(context.Context, string) {}
func (n *NoopProvider) IncMessagesSent(context.Context, string, string) {}
