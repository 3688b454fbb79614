package queue

import (
	"context"

	"github.com/pkg/errors"
)

// ErrEmpty is returned by Receive when a poll-based broker timed out
// without a message. It is not a failure.
var ErrEmpty = errors.New("queue: empty")

// Broker hands out deliveries one at a time.
type Broker interface {
	// Receive blocks until a delivery is available, the poll times out
	// (ErrEmpty), ctx is done, or the connection fails.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Acknowledger settles a delivery with its broker.
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) error
}

// Delivery is one hand-off of a message to this consumer.
type Delivery struct {
	Body []byte
	// Tag identifies the delivery to its broker.
	Tag any

	ack Acknowledger
}

func NewDelivery(body []byte, tag any, ack Acknowledger) *Delivery {
	return &Delivery{Body: body, Tag: tag, ack: ack}
}

// Ack removes the message from the broker for good.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Ack(ctx, d)
}

// Nack rejects the message without requeueing it.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Nack(ctx, d)
}
