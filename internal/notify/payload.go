package notify

import (
	"encoding/json"

	"github.com/mirador/chainwatch/internal/model"
)

// webhookPayload is the POST body of the webhook sink. Notifications are
// serialized empty: sinks run while the fan-out is still collecting
// outcomes, so the list is rebuilt downstream.
type webhookPayload struct {
	ID            string                     `json:"id"`
	Timestamp     int64                      `json:"timestamp"`
	Event         model.CanonicalEvent       `json:"event"`
	Metadata      model.ProcessingMetadata   `json:"metadata"`
	Notifications []model.NotificationRecord `json:"notifications"`
	Processed     bool                       `json:"processed"`
	Errors        []model.ProcessingError    `json:"errors,omitempty"`
}

// pubsubPayload is the message body published to Redis, NATS and Kafka.
// Same shape minus the notifications list.
type pubsubPayload struct {
	ID        string                   `json:"id"`
	Timestamp int64                    `json:"timestamp"`
	Event     model.CanonicalEvent     `json:"event"`
	Metadata  model.ProcessingMetadata `json:"metadata"`
	Processed bool                     `json:"processed"`
	Errors    []model.ProcessingError  `json:"errors,omitempty"`
}

func marshalWebhook(evt *model.ProcessedEvent) ([]byte, error) {
	return json.Marshal(webhookPayload{
		ID:            evt.ID,
		Timestamp:     evt.ProcessedAt,
		Event:         evt.Original,
		Metadata:      evt.Metadata,
		Notifications: []model.NotificationRecord{},
		Processed:     true,
		Errors:        evt.Errors,
	})
}

func marshalPubsub(evt *model.ProcessedEvent) ([]byte, error) {
	return json.Marshal(pubsubPayload{
		ID:        evt.ID,
		Timestamp: evt.ProcessedAt,
		Event:     evt.Original,
		Metadata:  evt.Metadata,
		Processed: true,
		Errors:    evt.Errors,
	})
}
