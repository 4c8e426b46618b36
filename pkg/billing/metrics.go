package billing

import "time"

// Metrics defines the interface for tracking reconciler operations.
// All methods are optional - callers treat nil metrics as NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a provider.
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordTransition records a page state change applied by the state machine.
	RecordTransition(provider string, from, to State)

	// RecordProvisioning records an account provisioning attempt.
	// status: "created", "existing" or "error"
	RecordProvisioning(status string)

	// RecordSync records a reconciliation sync of one user.
	RecordSync(status string, updated int)

	// RecordSyncDuration records how long a reconciliation sync took.
	RecordSyncDuration(duration time.Duration)

	// RecordPlanChange records a plan change request.
	RecordPlanChange(provider string, from, to Plan)

	// RecordAPICall records an API call to a provider.
	// status: HTTP status code as string (e.g., "200", "404", "500")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordTransition(_ string, _, _ State)                        {}
func (n *NoopMetrics) RecordProvisioning(_ string)                                  {}
func (n *NoopMetrics) RecordSync(_ string, _ int)                                   {}
func (n *NoopMetrics) RecordSyncDuration(_ time.Duration)                           {}
func (n *NoopMetrics) RecordPlanChange(_ string, _, _ Plan)                         {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
