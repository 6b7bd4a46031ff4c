package kafkahandlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-im/internal/imtypes"
)

type fakeInvalidator struct {
	calls [][]string
}

func (f *fakeInvalidator) Invalidate(keys ...string) {
	f.calls = append(f.calls, keys)
}

func TestHandleInvalidation(t *testing.T) {
	sink := &fakeInvalidator{}
	h := NewInvalidationConsumerLogic(sink, nil)

	payload, err := json.Marshal(imtypes.InvalidationEvent{
		Keys:      []string{"conversations:u1", "requests:count:u1"},
		Origin:    "node-b",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, h.HandleInvalidation(context.Background(), &kafka.Message{Value: payload}))
	require.Len(t, sink.calls, 1)
	assert.Equal(t, []string{"conversations:u1", "requests:count:u1"}, sink.calls[0])
}

func TestHandleInvalidationSkipsBadMessages(t *testing.T) {
	sink := &fakeInvalidator{}
	h := NewInvalidationConsumerLogic(sink, nil)

	assert.NoError(t, h.HandleInvalidation(context.Background(), &kafka.Message{Value: []byte("{oops")}))
	assert.NoError(t, h.HandleInvalidation(context.Background(), &kafka.Message{Value: []byte(`{"keys":[]}`)}))
	assert.Empty(t, sink.calls)
}
