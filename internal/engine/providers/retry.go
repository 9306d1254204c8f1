package providers

import "github.com/relaybot/relay/internal/engine"

// retryAfterStreamError decides whether a failed model call may be retried
// at the transport level. A retry is only safe when nothing from the
// response reached the consumer yet: the runner accumulates events as they
// arrive, so replaying a partially delivered stream would duplicate text
// deltas in the sink and in persisted history. Beyond that, only
// transport-class failures (rate limit, timeout, server error) qualify.
func retryAfterStreamError(emitted bool, err error) bool {
	if emitted {
		return false
	}
	providerErr, ok := engine.GetProviderError(err)
	return ok && providerErr.Reason.IsTransportRetryable()
}
