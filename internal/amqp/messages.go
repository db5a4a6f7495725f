package amqp

import (
	"encoding/json"
	"time"

	"pesatrack/internal/core"
)

// RawMessageBatch is the wire format published by a device sync: the raw
// carrier messages captured since the last sync. The worker runs each
// batch through the full pipeline.
type RawMessageBatch struct {
	DeviceID string            `json:"device_id"`
	Messages []core.RawMessage `json:"messages"`
	SentAt   time.Time         `json:"sent_at"`
}

func NewRawMessageBatch(deviceID string, messages []core.RawMessage) *RawMessageBatch {
	return &RawMessageBatch{
		DeviceID: deviceID,
		Messages: messages,
		SentAt:   time.Now(),
	}
}

func (b *RawMessageBatch) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

func RawMessageBatchFromJSON(data []byte) (*RawMessageBatch, error) {
	var batch RawMessageBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}
