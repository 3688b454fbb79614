// Package consumer drives deliveries from a broker through validation,
// path resolution and execution, then settles each one with the broker.
//
// A consumer handles one delivery at a time, end to end. No delivery can
// stop the loop: every per-message failure becomes a nack. Only a broker
// failure ends Run.
package consumer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jeeves/internal/domain"
	"github.com/SirClappington/jeeves/internal/executor"
	"github.com/SirClappington/jeeves/internal/message"
	"github.com/SirClappington/jeeves/internal/pathsafe"
	"github.com/SirClappington/jeeves/internal/queue"
)

// Runner executes a resolved target.
type Runner interface {
	Run(ctx context.Context, target pathsafe.Target, job domain.Job) (*executor.Result, error)
}

// Recorder keeps a history of settled deliveries.
type Recorder interface {
	Record(ctx context.Context, o domain.Outcome, deadLetter bool) error
}

type Config struct {
	// BaseDir must be absolute and canonical.
	BaseDir             string
	ScriptName          string
	AllowScriptOverride bool
	// DeadLetter is informational here; the broker implements the policy.
	DeadLetter bool
}

type Consumer struct {
	broker   queue.Broker
	runner   Runner
	recorder Recorder
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Consumer)

func WithRecorder(rec Recorder) Option {
	return func(c *Consumer) { c.recorder = rec }
}

func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

func WithIDs(newID func() string) Option {
	return func(c *Consumer) { c.newID = newID }
}

func New(b queue.Broker, runner Runner, cfg Config, log *zap.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		broker: b,
		runner: runner,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes deliveries until ctx is cancelled, which returns nil, or
// the broker fails, which returns a KindTransport error.
//
// A job that is running when ctx is cancelled runs to completion and is
// settled before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started", zap.String("base_dir", c.cfg.BaseDir), zap.String("script", c.cfg.ScriptName))
	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		if err := c.Step(ctx); err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer stopped")
				return nil
			}
			return domain.NewError(domain.KindTransport, err)
		}
	}
}

// Step waits for one delivery and handles it. It returns an error only for
// broker failures; an empty poll returns nil without settling anything.
func (c *Consumer) Step(ctx context.Context) error {
	d, err := c.broker.Receive(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		c.log.Debug("queue empty")
		return nil
	}
	if err != nil {
		return err
	}

	jobCtx := context.WithoutCancel(ctx)
	o := c.Process(jobCtx, d.Body)
	c.settle(jobCtx, d, o)
	return nil
}

// Process runs body through validation, resolution and execution and
// returns the tagged outcome. It does not touch the broker. A panic in any
// stage becomes a KindExecutionFailed outcome for that stage.
func (c *Consumer) Process(ctx context.Context, body []byte) (o domain.Outcome) {
	o.StartedAt = c.now()
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("panic while processing delivery",
				zap.String("stage", string(o.Stage)),
				zap.String("job_id", o.Job.ID),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			o.Err = domain.Errorf(domain.KindExecutionFailed, "panic: %v", p)
		}
		o.FinishedAt = c.now()
	}()

	o.Stage = domain.StageValidate
	job, err := message.Parse(body, c.cfg.AllowScriptOverride)
	if err != nil {
		// The error text can quote the body, so it stays at debug with it.
		c.log.Debug("invalid message body", zap.ByteString("body", body), zap.Error(err))
		o.Err = err
		return o
	}
	if job.ID == "" {
		job.ID = c.newID()
	}
	o.Job = job

	o.Stage = domain.StageResolve
	script := c.cfg.ScriptName
	if job.Script != "" {
		script = job.Script
	}
	target, err := pathsafe.Resolve(c.cfg.BaseDir, job.Project, script)
	if err != nil {
		o.Err = err
		return o
	}

	o.Stage = domain.StageExecute
	c.log.Info("running job",
		zap.String("job_id", job.ID),
		zap.String("project", job.Project),
		zap.String("script", target.Script),
	)
	res, err := c.runner.Run(ctx, target, job)
	if res != nil {
		o.ExitCode, o.Stdout, o.Stderr = res.ExitCode, res.Stdout, res.Stderr
	}
	o.Err = err
	return o
}

// Decide maps an outcome to the acknowledgment for its delivery.
func Decide(o domain.Outcome) domain.Decision {
	if o.OK() {
		return domain.Ack
	}
	return domain.NackNoRequeue
}

func (c *Consumer) settle(ctx context.Context, d *queue.Delivery, o domain.Outcome) {
	c.report(o)

	decision := Decide(o)
	var err error
	if decision == domain.Ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx)
	}
	if err != nil {
		c.log.Error("settle delivery", zap.String("decision", decision.String()), zap.String("job_id", o.Job.ID), zap.Error(err))
	}

	if c.recorder != nil {
		if err := c.recorder.Record(ctx, o, c.cfg.DeadLetter); err != nil {
			c.log.Error("record run", zap.String("job_id", o.Job.ID), zap.Error(err))
		}
	}
}

func (c *Consumer) report(o domain.Outcome) {
	kind := o.Kind()
	fields := []zap.Field{
		zap.String("job_id", o.Job.ID),
		zap.String("project", o.Job.Project),
		zap.Duration("duration", o.FinishedAt.Sub(o.StartedAt)),
	}
	if kind != domain.KindNone {
		fields = append(fields, zap.String("kind", string(kind)))
	}

	switch {
	case o.OK():
		c.log.Info("job succeeded", fields...)
		if o.Stdout != "" {
			c.log.Debug("job output", zap.String("job_id", o.Job.ID), zap.String("stdout", o.Stdout))
		}
		return
	case o.Stage == domain.StageValidate:
		// Validation errors can echo body bytes; only the kind is logged here.
		c.log.Warn("rejected message", fields...)
		return
	}

	fields = append(fields, zap.Error(o.Err))
	switch {
	case kind.Security():
		c.log.Error("rejected path escape", append(fields, zap.Bool("security", true))...)
	case o.Stage == domain.StageResolve:
		c.log.Warn("unresolvable project", fields...)
	default:
		c.log.Error("job failed", append(fields,
			zap.Int("exit_code", o.ExitCode),
			zap.String("stderr", o.Stderr),
		)...)
	}
}
