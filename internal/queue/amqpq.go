package queue

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// ErrClosed is returned by AMQPQ.Receive once the broker stops delivering.
var ErrClosed = errors.New("queue: delivery channel closed")

// AMQPQ consumes an existing AMQP queue with manual acknowledgments and a
// prefetch of one. Declaring the queue, and any dead-letter exchange on it,
// is left to the broker's operator.
type AMQPQ struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func DialAMQP(url, queue, consumer string) (*AMQPQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set qos")
	}
	deliveries, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "consume %s", queue)
	}
	return &AMQPQ{conn: conn, ch: ch, deliveries: deliveries}, nil
}

func newAMQPFromDeliveries(deliveries <-chan amqp.Delivery) *AMQPQ {
	return &AMQPQ{deliveries: deliveries}
}

// Receive waits for the next pushed delivery. It never returns ErrEmpty.
func (q *AMQPQ) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return NewDelivery(d.Body, d, q), nil
	}
}

func (q *AMQPQ) Ack(_ context.Context, d *Delivery) error {
	ad, ok := d.Tag.(amqp.Delivery)
	if !ok {
		return errors.Errorf("ack: foreign delivery tag %T", d.Tag)
	}
	return errors.Wrap(ad.Ack(false), "ack")
}

// Nack rejects without requeue. The broker routes the message to the
// queue's dead-letter exchange if it has one and drops it otherwise.
func (q *AMQPQ) Nack(_ context.Context, d *Delivery) error {
	ad, ok := d.Tag.(amqp.Delivery)
	if !ok {
		return errors.Errorf("nack: foreign delivery tag %T", d.Tag)
	}
	return errors.Wrap(ad.Nack(false, false), "nack")
}

func (q *AMQPQ) Close() error {
	if q.conn == nil {
		return nil
	}
	return multierr.Append(q.ch.Close(), q.conn.Close())
}
