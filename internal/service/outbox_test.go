package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
	"github.com/LeventeLantos/whatsapp-outbound/internal/queue"
	"github.com/LeventeLantos/whatsapp-outbound/internal/service"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	return queue.New(rdb, queue.DefaultConfig(), queue.WithClock(c))
}

func TestOutbox_SendEnqueues(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	var counted []model.Priority
	o := service.NewOutbox(q, 160, zerolog.Nop()).WithHooks(func(p model.Priority) {
		counted = append(counted, p)
	})

	id, err := o.Send(context.Background(), model.OutboundRequest{Recipient: "+361234567", Body: "hello", Priority: "HIGH"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	loc, err := q.Locate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, loc)

	msg, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.High, msg.Priority)
	assert.Equal(t, []model.Priority{model.High}, counted)
}

func TestOutbox_Validation(t *testing.T) {
	t.Parallel()

	o := service.NewOutbox(newQueue(t), 3, zerolog.Nop())

	cases := []struct {
		name  string
		req   model.OutboundRequest
		field string
	}{
		{"empty recipient", model.OutboundRequest{Recipient: " ", Body: "hi"}, "recipient"},
		{"empty body", model.OutboundRequest{Recipient: "1", Body: ""}, "body"},
		{"body too long", model.OutboundRequest{Recipient: "1", Body: "abcd"}, "body"},
		{"unknown priority", model.OutboundRequest{Recipient: "1", Body: "hi", Priority: "urgent"}, "priority"},
		{"negative retries", model.OutboundRequest{Recipient: "1", Body: "hi", MaxRetries: -1}, "max_retries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Send(context.Background(), tc.req)
			require.ErrorIs(t, err, service.ErrInvalid)

			var ve *service.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestOutbox_ContentMaxCountsRunes(t *testing.T) {
	t.Parallel()

	o := service.NewOutbox(newQueue(t), 3, zerolog.Nop())

	_, err := o.Send(context.Background(), model.OutboundRequest{Recipient: "1", Body: "héé"})
	assert.NoError(t, err)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, model.OutboundRequest) (string, error) {
	return "", errors.New("redis unavailable")
}

func TestOutbox_EnqueueErrorIsWrapped(t *testing.T) {
	t.Parallel()

	o := service.NewOutbox(failingQueue{}, 0, zerolog.Nop())

	_, err := o.Send(context.Background(), model.OutboundRequest{Recipient: "1", Body: strings.Repeat("x", 5000)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, service.ErrInvalid)
	assert.Contains(t, err.Error(), "redis unavailable")
}

func TestOutbox_SendBatch(t *testing.T) {
	t.Parallel()

	o := service.NewOutbox(newQueue(t), 10, zerolog.Nop())

	res, accepted := o.SendBatch(context.Background(), []model.OutboundRequest{
		{Recipient: "1", Body: "ok"},
		{Recipient: "", Body: "no recipient"},
		{Recipient: "2", Body: "ok", Priority: model.Low},
	})
	assert.Equal(t, 2, accepted)
	require.Len(t, res, 3)
	assert.NotEmpty(t, res[0].MessageID)
	assert.Contains(t, res[1].Error, "recipient")
	assert.NotEmpty(t, res[2].MessageID)
}
