package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acks++; return nil }

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(uint64, bool) error { f.rejects++; return nil }

func consumeOne(w *Worker, ack *fakeAcknowledger, handle func(context.Context, []byte) error) {
	msgs := make(chan amqp091.Delivery, 1)
	msgs <- amqp091.Delivery{Acknowledger: ack, Body: []byte(`{}`)}
	close(msgs)
	w.consume(context.Background(), msgs, "releases", handle)
}

func TestConsumeAcksSuccessfulJob(t *testing.T) {
	ack := &fakeAcknowledger{}
	w := &Worker{republish: func(context.Context, string, amqp091.Delivery, int) bool {
		t.Fatal("successful jobs must not be republished")
		return false
	}}

	consumeOne(w, ack, func(context.Context, []byte) error { return nil })

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestConsumeAcksAfterSuccessfulRepublish(t *testing.T) {
	ack := &fakeAcknowledger{}
	var republished int
	w := &Worker{republish: func(_ context.Context, _ string, _ amqp091.Delivery, retries int) bool {
		republished = retries
		return true
	}}

	consumeOne(w, ack, func(context.Context, []byte) error {
		return errors.New("broker hiccup")
	})

	assert.Equal(t, 1, republished)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestConsumeSettlesOnceWhenRepublishFails(t *testing.T) {
	ack := &fakeAcknowledger{}
	w := &Worker{republish: func(context.Context, string, amqp091.Delivery, int) bool {
		return false
	}}

	consumeOne(w, ack, func(context.Context, []byte) error {
		return errors.New("broker hiccup")
	})

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestRetryCountPrefersRetryHeader(t *testing.T) {
	msg := amqp091.Delivery{Headers: amqp091.Table{retryHeader: int32(3)}}
	assert.Equal(t, 3, retryCount(msg))

	msg = amqp091.Delivery{Headers: amqp091.Table{
		"x-death": []interface{}{amqp091.Table{"count": int64(2)}},
	}}
	assert.Equal(t, 2, retryCount(msg))

	assert.Equal(t, 0, retryCount(amqp091.Delivery{}))
}
