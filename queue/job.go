// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a speech-synthesis request whose execution is decoupled from
// submission.
type Job struct {
	// ID identifies the job in logs. Assigned on submission when empty.
	ID string

	// Tenant identifies the billing/quota owner.
	Tenant string

	// Text is the text to synthesize.
	Text string

	// Voice selects the synthesis voice.
	Voice string

	// Priority is carried for observability (1-10, 10 highest).
	Priority int
}

// Result is the terminal outcome of a job.
type Result struct {
	// Audio is the synthesized audio on success.
	Audio []byte

	// Provider names the provider that produced the audio.
	Provider string

	// Cached reports a cache hit (no provider work).
	Cached bool

	// Fallback reports that the fallback provider produced the audio.
	Fallback bool

	// Err is non-nil when the job failed.
	Err error
}

// Handle is the completion handle shared between the queue and the
// submitter. It is fulfilled exactly once.
type Handle struct {
	jobID string
	done  chan Result
	once  sync.Once
}

func newHandle(jobID string) *Handle {
	return &Handle{
		jobID: jobID,
		done:  make(chan Result, 1),
	}
}

// JobID returns the ID of the job this handle tracks.
func (h *Handle) JobID() string {
	return h.jobID
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-h.done:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done exposes the completion channel for select-based consumers.
func (h *Handle) Done() <-chan Result {
	return h.done
}

// fulfill delivers the terminal result. Later calls are no-ops, so a
// shutdown racing a worker cannot double-fulfill.
func (h *Handle) fulfill(res Result) {
	h.once.Do(func() {
		h.done <- res
	})
}

type queuedJob struct {
	job        Job
	handle     *Handle
	enqueuedAt time.Time
}

func newQueuedJob(job Job) *queuedJob {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return &queuedJob{
		job:        job,
		handle:     newHandle(job.ID),
		enqueuedAt: time.Now(),
	}
}
