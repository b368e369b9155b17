package app

import (
	"context"
	"log"
	"time"

	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/pkg/rabbitmq"
)

const eventPublishTimeout = 5 * time.Second

// eventEmitter publishes lifecycle events after the database work committed.
// Publishing is best effort: the store is the source of truth, so a broker
// failure is logged and never undoes a committed change.
type eventEmitter struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func (e eventEmitter) emit(ctx context.Context, event domain.LifecycleEvent) {
	if e.publisher == nil || e.exchange == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	if err := e.publisher.Publish(publishCtx, e.exchange, event.Type, event); err != nil {
		log.Printf("level=warn component=events msg=\"event publish failed\" type=%s kind=%s request_id=%s err=%v", event.Type, event.Kind, event.RequestID, err)
	}
}
