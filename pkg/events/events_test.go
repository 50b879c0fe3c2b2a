package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeAMQPChannel struct {
	published []publishedMessage
	err       error
}

func (c *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestAMQPPublisherRoutesByEntityAndKind(t *testing.T) {
	ch := &fakeAMQPChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "im"}

	err := p.Publish(context.Background(), []Event{
		{Kind: Updated, Entity: EntityChannel, Key: "3"},
		{Kind: Removed, Entity: EntitySession, Key: "9"},
	})
	require.NoError(t, err)
	require.Len(t, ch.published, 2)

	assert.Equal(t, "im", ch.published[0].exchange)
	assert.Equal(t, "channel.updated", ch.published[0].key)
	assert.Equal(t, "session.removed", ch.published[1].key)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.published[0].msg.Body, &decoded))
	assert.Equal(t, "3", decoded.Key)
	assert.Equal(t, amqp.Persistent, ch.published[0].msg.DeliveryMode)
}

func TestAMQPPublisherStopsOnError(t *testing.T) {
	ch := &fakeAMQPChannel{err: errors.New("channel closed")}
	p := &AMQPPublisher{ch: ch, exchange: "im"}

	err := p.Publish(context.Background(), []Event{{Kind: Persisted, Entity: EntityUser, Key: "1"}})
	assert.ErrorContains(t, err, "channel closed")
}

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	failing := PublisherFunc(func(context.Context, []Event) error { return errors.New("down") })

	err := Multi{failing, rec, LogPublisher{}}.Publish(context.Background(), []Event{{Kind: Persisted, Entity: EntityUser}})

	assert.EqualError(t, err, "down")
	assert.Len(t, rec.Events(), 1)
	rec.Reset()
	assert.Empty(t, rec.Events())
}
