package domain

import "time"

type Status string

const (
	Succeeded    Status = "succeeded"
	FailedPerm   Status = "failed_perm"
	DeadLettered Status = "dead_lettered"
)

// Job is a validated queue message.
type Job struct {
	ID      string
	Project string
	// Script is set only when the message names one and overrides are allowed.
	Script string
	// Content is the raw JSON payload of the triggering webhook, if any. It
	// is fed to the script on stdin.
	Content []byte
}

// Decision is the acknowledgment issued for one delivery.
type Decision int

const (
	Ack Decision = iota
	NackNoRequeue
)

func (d Decision) String() string {
	if d == Ack {
		return "ack"
	}
	return "nack"
}

type Stage string

const (
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageExecute  Stage = "execute"
)

// Outcome is the tagged result of running one delivery through the pipeline.
// Err is nil on success; otherwise Stage names where it stopped.
type Outcome struct {
	Job      Job
	Stage    Stage
	Err      error
	ExitCode int
	Stdout   string
	Stderr   string

	StartedAt  time.Time
	FinishedAt time.Time
}

func (o Outcome) OK() bool { return o.Err == nil }

func (o Outcome) Kind() Kind { return KindOf(o.Err) }

// Status maps the outcome to the run history status under the given dead-letter setting.
func (o Outcome) Status(deadLetter bool) Status {
	switch {
	case o.OK():
		return Succeeded
	case deadLetter:
		return DeadLettered
	default:
		return FailedPerm
	}
}
