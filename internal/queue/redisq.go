package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

var (
	// ErrWorkerIDInUse means another live worker holds the claim on this
	// worker id's processing list.
	ErrWorkerIDInUse = errors.New("worker id in use")
	// ErrClaimLost means the claim expired or was taken over while held.
	ErrClaimLost = errors.New("processing list claim lost")
)

// Both scripts only touch the owner key while it still holds our token.
var (
	refreshClaim = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseClaim = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

const defaultClaimTTL = 30 * time.Second

type RedisOptions struct {
	Queue string
	// Reliable moves each message to a per-worker processing list until it
	// is settled. Without it a pop is an implicit ack.
	Reliable   bool
	WorkerID   string
	DeadLetter bool
	Block      time.Duration
	// ClaimTTL is how long a claim on the processing list outlives its last
	// refresh. Defaults to 30s.
	ClaimTTL time.Duration
}

type RedisQ struct {
	rdb     *r.Client
	opts    RedisOptions
	token   string
	claimed atomic.Bool
}

func NewRedis(rdb *r.Client, opts RedisOptions) *RedisQ {
	if opts.Queue == "" {
		opts.Queue = "job_queue"
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	return &RedisQ{rdb: rdb, opts: opts, token: uuid.NewString()}
}

func (q *RedisQ) ProcessingKey() string { return q.opts.Queue + ":processing:" + q.opts.WorkerID }
func (q *RedisQ) DeadKey() string       { return q.opts.Queue + ":dead" }
func (q *RedisQ) OwnerKey() string      { return q.ProcessingKey() + ":owner" }

// Claim takes exclusive ownership of this worker id's processing list for
// ClaimTTL. It is a no-op in pop mode and succeeds again while the claim is
// still ours. Another live holder yields ErrWorkerIDInUse.
func (q *RedisQ) Claim(ctx context.Context) error {
	if !q.opts.Reliable {
		return nil
	}
	if q.opts.WorkerID == "" {
		return errors.New("reliable mode needs a worker id")
	}
	ok, err := q.rdb.SetNX(ctx, q.OwnerKey(), q.token, q.opts.ClaimTTL).Result()
	if err != nil {
		return errors.Wrap(err, "claim processing list")
	}
	if !ok {
		if err := q.refresh(ctx); err != nil {
			if errors.Is(err, ErrClaimLost) {
				return errors.Wrapf(ErrWorkerIDInUse, "%s", q.opts.WorkerID)
			}
			return err
		}
	}
	q.claimed.Store(true)
	return nil
}

// KeepClaim refreshes the claim every third of ClaimTTL until ctx is done.
// It returns ErrClaimLost if the claim was not ours anymore.
func (q *RedisQ) KeepClaim(ctx context.Context) error {
	if !q.opts.Reliable {
		return nil
	}
	t := time.NewTicker(q.opts.ClaimTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := q.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (q *RedisQ) refresh(ctx context.Context) error {
	n, err := refreshClaim.Run(ctx, q.rdb, []string{q.OwnerKey()}, q.token, q.opts.ClaimTTL.Milliseconds()).Int()
	if err != nil {
		return errors.Wrap(err, "refresh claim")
	}
	if n == 0 {
		q.claimed.Store(false)
		return errors.Wrapf(ErrClaimLost, "%s", q.OwnerKey())
	}
	return nil
}

// Enqueue pushes a raw message body for consumers of the queue.
func (q *RedisQ) Enqueue(ctx context.Context, body []byte) error {
	return q.rdb.LPush(ctx, q.opts.Queue, body).Err()
}

func (q *RedisQ) Receive(ctx context.Context) (*Delivery, error) {
	if q.opts.Reliable {
		body, err := q.rdb.BLMove(ctx, q.opts.Queue, q.ProcessingKey(), "RIGHT", "LEFT", q.opts.Block).Result()
		if err != nil {
			return nil, q.receiveErr(ctx, err)
		}
		return NewDelivery([]byte(body), body, q), nil
	}

	res, err := q.rdb.BRPop(ctx, q.opts.Block, q.opts.Queue).Result()
	if err != nil {
		return nil, q.receiveErr(ctx, err)
	}
	if len(res) != 2 {
		return nil, ErrEmpty
	}
	return NewDelivery([]byte(res[1]), res[1], q), nil
}

func (q *RedisQ) receiveErr(ctx context.Context, err error) error {
	if errors.Is(err, r.Nil) {
		return ErrEmpty
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrapf(err, "receive from %s", q.opts.Queue)
}

// Ack drops the message from the processing list. In pop mode the message
// already left Redis on dequeue.
func (q *RedisQ) Ack(ctx context.Context, d *Delivery) error {
	if !q.opts.Reliable {
		return nil
	}
	return errors.Wrap(q.rdb.LRem(ctx, q.ProcessingKey(), 1, d.Body).Err(), "ack")
}

// Nack drops the message without requeueing it, parking a copy on the dead
// list when dead-lettering is enabled.
func (q *RedisQ) Nack(ctx context.Context, d *Delivery) error {
	pipe := q.rdb.TxPipeline()
	if q.opts.Reliable {
		pipe.LRem(ctx, q.ProcessingKey(), 1, d.Body)
	}
	if q.opts.DeadLetter {
		pipe.LPush(ctx, q.DeadKey(), d.Body)
	}
	if pipe.Len() == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "nack")
}

// Recover claims the processing list and requeues whatever a previous run of
// this worker left on it, e.g. after a crash mid-job. Returns the number
// moved. A list claimed by another live worker is left untouched.
func (q *RedisQ) Recover(ctx context.Context) (int, error) {
	if !q.opts.Reliable {
		return 0, nil
	}
	if err := q.Claim(ctx); err != nil {
		return 0, err
	}
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.ProcessingKey(), q.opts.Queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, r.Nil) {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "recover processing list")
		}
		n++
	}
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close releases a held claim and closes the client.
func (q *RedisQ) Close() error {
	var err error
	if q.claimed.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = errors.Wrap(releaseClaim.Run(ctx, q.rdb, []string{q.OwnerKey()}, q.token).Err(), "release claim")
		cancel()
	}
	return multierr.Append(err, q.rdb.Close())
}
