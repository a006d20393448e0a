package shortener

import (
	"context"

	"encore.dev/pubsub"

	"encore.app/allocator"
	"encore.app/pkg/models"
)

// Clicks is the durable click event topic. The ordering attribute keys
// partitions by short code, so per-code delta ordering is preserved across
// a single consumer.
var Clicks = pubsub.NewTopic[*models.ClickEvent]("click-events", pubsub.TopicConfig{
	DeliveryGuarantee: pubsub.AtLeastOnce,
	OrderingAttribute: "short_code",
})

// topicPublisher is the queue-backed Publisher.
type topicPublisher struct{}

func (topicPublisher) Publish(ctx context.Context, ev *models.ClickEvent) error {
	_, err := Clicks.Publish(ctx, ev)
	return err
}

// allocatorClient adapts the allocator service API to RangeAllocator.
type allocatorClient struct{}

func (allocatorClient) Allocate(ctx context.Context, size int64) (int64, int64, error) {
	resp, err := allocator.Allocate(ctx, &allocator.AllocateRequest{Size: size})
	if err != nil {
		return 0, 0, err
	}
	return resp.Start, resp.End, nil
}
