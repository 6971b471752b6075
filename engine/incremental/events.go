package incremental

import (
	"context"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/natsutil"
)

// NATS subjects the engine publishes to.
const (
	SubjectRunReport    = "leasequeue.run.report"
	SubjectItemFailed   = "leasequeue.item.failed"
	SubjectDetectResult = "leasequeue.detect.result"
)

// publish sends v to subject when an event sink is configured. Publishing
// never fails an operation.
func (e *Engine) publish(ctx context.Context, subject string, v any) {
	if e.opts.Events == nil {
		return
	}
	if err := natsutil.Publish(ctx, e.opts.Events, subject, v); err != nil {
		e.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}
