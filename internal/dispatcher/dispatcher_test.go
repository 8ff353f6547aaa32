package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/events"
	"github.com/example/payflow/internal/retry"
	"github.com/example/payflow/internal/tasks"
)

var routes = Routes{
	events.PaymentCompleted:   "consume.ledger.payment.completed",
	events.BankAccountCreated: "consume.ledger.account.created",
}

func newDispatcher(q tasks.Queue) (*Dispatcher, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return New("ledger", routes, q, zap.New(core)), logs
}

func TestHandleRoutesNormalizedPayload(t *testing.T) {
	for _, body := range []string{
		`{"event":"payment.payment.completed","data":{"payment_id":"p-1","amount":"200"}}`,
		`[{"data":{"payment_id":"p-1","amount":"200"}}]`,
		`[[{"data":{"payment_id":"p-1","amount":"200"}}]]`,
		`{"event":"payment.payment.completed","schema_version":1,"data":{"payment_id":"p-1","amount":"200"}}`,
	} {
		q := tasks.NewMemory()
		d, _ := newDispatcher(q)
		d.Handle(context.Background(), events.PaymentCompleted, []byte(body))

		got := q.Enqueued("consume.ledger.payment.completed")
		require.Len(t, got, 1, body)
		assert.Equal(t, "p-1", got[0].Payload["payment_id"], body)
		assert.Equal(t, "p-1", got[0].Key, body)
	}
}

func TestHandleDropsUnmappedKeys(t *testing.T) {
	q := tasks.NewMemory()
	d, logs := newDispatcher(q)

	d.Handle(context.Background(), "payment.payment.refund_required", []byte(`{"data":{}}`))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, logs.FilterMessage("unmapped routing key").Len())
}

func TestHandleRejectsUnknownSchemaVersion(t *testing.T) {
	q := tasks.NewMemory()
	d, logs := newDispatcher(q)

	d.Handle(context.Background(), events.PaymentCompleted,
		[]byte(`{"event":"payment.payment.completed","schema_version":9,"data":{"payment_id":"p-1"}}`))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, logs.FilterMessage("dispatch failed").Len())
}

func TestHandleForwardsFallbackWithWarning(t *testing.T) {
	q := tasks.NewMemory()
	d, logs := newDispatcher(q)

	d.Handle(context.Background(), events.BankAccountCreated, []byte(`"ACC-1"`))

	got := q.Enqueued("consume.ledger.account.created")
	require.Len(t, got, 1)
	assert.Equal(t, "ACC-1", got[0].Payload[events.FallbackKey])
	assert.Equal(t, 1, logs.FilterMessage("unrecognised body shape, forwarding raw value").Len())
}

type failingQueue struct{ panics bool }

func (f failingQueue) Enqueue(context.Context, tasks.Task) error {
	if f.panics {
		panic("queue exploded")
	}
	return errors.New("kafka unavailable")
}

func TestHandleNeverPropagatesFailures(t *testing.T) {
	for _, q := range []failingQueue{{}, {panics: true}} {
		d, logs := newDispatcher(q)
		assert.NotPanics(t, func() {
			d.Handle(context.Background(), events.PaymentCompleted, []byte(`{"data":{"payment_id":"p-1"}}`))
		})
		assert.Equal(t, 1, logs.FilterMessage("dispatch failed").Len()+logs.FilterMessage("dispatch panic").Len())
	}
}

func TestHandleWorksAsBusHandler(t *testing.T) {
	q := tasks.NewMemory()
	d, _ := newDispatcher(q)
	mem := bus.NewMemory()
	mem.Subscribe("payment.#", d.Handle)

	pub := bus.NewPublisher(mem, retry.Publish(1, 0), zap.NewNop())
	require.NoError(t, pub.Publish(context.Background(), events.PaymentCompleted, events.Completed{PaymentID: "p-9"}))

	got := q.Enqueued("consume.ledger.payment.completed")
	require.Len(t, got, 1)
	assert.Equal(t, "p-9", got[0].Payload["payment_id"])
}
