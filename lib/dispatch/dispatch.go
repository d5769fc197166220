// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dispatch polls the work queue and turns each scene message
// into a bounded number of concurrently running classification jobs,
// acknowledging a message only after its job has succeeded.
package dispatch

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opendatacube/WOFLs-orchestration/lib/config"
	"github.com/opendatacube/WOFLs-orchestration/lib/jobspec"
	"github.com/opendatacube/WOFLs-orchestration/lib/kubejob"
	"github.com/opendatacube/WOFLs-orchestration/lib/sqsqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Queue is the slice of the queue client the dispatcher uses.
type Queue interface {
	Receive(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]sqsqueue.Message, error)
	Ack(ctx context.Context, msg sqsqueue.Message) error
	ExtendVisibility(ctx context.Context, msg sqsqueue.Message, d time.Duration) error
}

// Launcher is the slice of the cluster launcher the dispatcher uses.
type Launcher interface {
	Submit(spec *jobspec.JobSpec) (kubejob.JobHandle, error)
	Status(h kubejob.JobHandle) (kubejob.State, error)
	Cancel(h kubejob.JobHandle) error
}

// A trackedJob pairs a received message with its dispatched job. It
// holds one concurrency slot from the moment its render succeeds
// until the job reaches a terminal state.
type trackedJob struct {
	msg  sqsqueue.Message
	spec *jobspec.JobSpec

	// Submission can lag render when the cluster errors
	// transiently; until submitted is set the entry is retried
	// with a backoff hold.
	submitted   bool
	handle      kubejob.JobHandle
	submittedAt time.Time

	// When the message becomes visible to other consumers again
	// unless we extend it first.
	visibleAt time.Time
}

// Dispatcher runs the dispatch loop. All mutable state (tracker map,
// slot pool, throttle) is owned by the loop goroutine; see Run.
type Dispatcher struct {
	Cfg      *config.Config
	Queue    Queue
	Launcher Launcher
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	// DryRun renders and validates one batch of messages without
	// submitting or acknowledging anything, then exits.
	DryRun bool
	// ExitOnEmpty makes Run return once the queue is empty and no
	// job is in flight, so the dispatcher itself can run as a
	// finite cluster job.
	ExitOnEmpty bool

	slots    *slotPool
	throttle throttle
	tracked  map[string]*trackedJob
	clock    func() time.Time
	idle     bool

	initOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}

	mJobsRunning     prometheus.Gauge
	mMessagesRcvd    prometheus.Counter
	mJobsSubmitted   prometheus.Counter
	mJobsSucceeded   prometheus.Counter
	mJobsFailed      prometheus.Counter
	mJobsTimedOut    prometheus.Counter
	mPoisonMessages  prometheus.Counter
	mRenderFailures  prometheus.Counter
	mTransientErrors prometheus.Counter
}

func (disp *Dispatcher) init() {
	disp.slots = newSlotPool(disp.Cfg.MaxJobsPerWorker)
	disp.throttle.hold = disp.Cfg.MinSubmitRetryPeriod.Duration()
	disp.tracked = make(map[string]*trackedJob)
	if disp.clock == nil {
		disp.clock = time.Now
	}
	disp.throttle.clock = disp.clock
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	disp.registerMetrics(disp.Registry)
}

func (disp *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wofl",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	disp.mJobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wofl",
		Subsystem: "dispatch",
		Name:      "jobs_running",
		Help:      "Number of jobs currently dispatched and not yet terminal.",
	})
	reg.MustRegister(disp.mJobsRunning)
	disp.mMessagesRcvd = counter("messages_received_total", "Messages received from the work queue.")
	disp.mJobsSubmitted = counter("jobs_submitted_total", "Jobs submitted to the cluster.")
	disp.mJobsSucceeded = counter("jobs_succeeded_total", "Jobs that reported success.")
	disp.mJobsFailed = counter("jobs_failed_total", "Jobs that reported failure or disappeared.")
	disp.mJobsTimedOut = counter("jobs_timed_out_total", "Jobs cancelled for exceeding the time budget.")
	disp.mPoisonMessages = counter("poison_messages_total", "Messages acknowledged without dispatch (receive count over threshold, bad MD5).")
	disp.mRenderFailures = counter("render_failures_total", "Messages whose payload could not be rendered into a job.")
	disp.mTransientErrors = counter("transient_errors_total", "Transient queue/cluster errors that were retried.")
}

// Run drives the dispatch loop until ctx is cancelled or Stop is
// called, then cancels any still-running jobs without acknowledging
// their messages, so the next worker retries them.
func (disp *Dispatcher) Run(ctx context.Context) error {
	disp.initOnce.Do(disp.init)
	defer close(disp.stopped)

	logger := disp.Logger
	logger.WithFields(logrus.Fields{
		"QueueURL":         disp.Cfg.QueueURL,
		"MaxJobsPerWorker": disp.Cfg.MaxJobsPerWorker,
		"JobTimeBudget":    disp.Cfg.JobTimeBudget.String(),
	}).Info("dispatch loop starting")

	poll := time.NewTicker(disp.Cfg.PollInterval.Duration())
	defer poll.Stop()

	for {
		disp.sweep(ctx)
		if disp.DryRun {
			logger.Info("dry run complete")
			return nil
		}
		if disp.ExitOnEmpty && disp.idle {
			logger.Info("no new messages and no jobs in flight, exiting")
			return nil
		}
		select {
		case <-ctx.Done():
			disp.shutdown()
			return ctx.Err()
		case <-disp.stop:
			disp.shutdown()
			return nil
		case <-poll.C:
		}
	}
}

// Stop makes Run cancel in-flight jobs and return.
func (disp *Dispatcher) Stop() {
	disp.initOnce.Do(disp.init)
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

// sweep runs one dispatch iteration: poll the status of tracked
// jobs, keep their messages invisible, retry pending submissions,
// then pull as many new messages as there are free slots.
func (disp *Dispatcher) sweep(ctx context.Context) {
	disp.initOnce.Do(disp.init)
	for _, ent := range disp.entries() {
		if ent.submitted {
			disp.checkJob(ctx, ent)
		} else {
			disp.trySubmit(ctx, ent)
		}
	}
	received := disp.receive(ctx)
	disp.idle = len(disp.tracked) == 0 && received == 0
	disp.mJobsRunning.Set(float64(disp.slots.Used()))
}

// entries returns tracked jobs in a stable order so log output and
// tests are deterministic.
func (disp *Dispatcher) entries() []*trackedJob {
	ids := make([]string, 0, len(disp.tracked))
	for id := range disp.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ents := make([]*trackedJob, 0, len(ids))
	for _, id := range ids {
		ents = append(ents, disp.tracked[id])
	}
	return ents
}

// checkJob polls one submitted job and applies the terminal-state
// transitions. Acknowledgment of the message happens-after job
// success, never before.
func (disp *Dispatcher) checkJob(ctx context.Context, ent *trackedJob) {
	logger := disp.Logger.WithFields(logrus.Fields{
		"MessageID": ent.msg.ID,
		"Job":       ent.handle.Name,
	})

	if budget := disp.Cfg.JobTimeBudget.Duration(); disp.clock().Sub(ent.submittedAt) > budget {
		logger.WithField("JobTimeBudget", budget.String()).Error("job exceeded time budget, cancelling")
		if err := disp.Launcher.Cancel(ent.handle); err != nil {
			logger.WithError(err).Warn("error cancelling timed-out job")
		}
		disp.mJobsTimedOut.Inc()
		disp.drop(ent)
		return
	}

	state, err := disp.Launcher.Status(ent.handle)
	if err != nil {
		logger.WithError(err).Warn("error polling job status")
		disp.mTransientErrors.Inc()
		disp.extendVisibility(ctx, ent, logger)
		return
	}
	switch state {
	case kubejob.StateSucceeded:
		if err := disp.Queue.Ack(ctx, ent.msg); err != nil {
			// Leave the entry tracked; the next sweep sees
			// Succeeded again and retries the ack.
			logger.WithError(err).Warn("job succeeded but message acknowledgment failed, will retry")
			disp.mTransientErrors.Inc()
			return
		}
		logger.Info("job succeeded, message acknowledged")
		disp.mJobsSucceeded.Inc()
		disp.drop(ent)
	case kubejob.StateFailed, kubejob.StateNotFound:
		// No acknowledgment: the queue redelivers the message
		// for a fresh attempt, bounded by the poison threshold.
		logger.WithField("State", state).Error("job did not succeed, leaving message for redelivery")
		disp.mJobsFailed.Inc()
		disp.drop(ent)
	default:
		disp.extendVisibility(ctx, ent, logger)
	}
}

// trySubmit attempts (or re-attempts, after a transient error) to
// submit a rendered job, holding the message invisible meanwhile.
func (disp *Dispatcher) trySubmit(ctx context.Context, ent *trackedJob) {
	logger := disp.Logger.WithFields(logrus.Fields{
		"MessageID": ent.msg.ID,
		"Job":       ent.spec.Name,
	})
	disp.extendVisibility(ctx, ent, logger)
	if !disp.throttle.Check(ent.msg.ID) {
		return
	}
	handle, err := disp.Launcher.Submit(ent.spec)
	if err != nil {
		logger.WithError(err).Warn("error submitting job, will retry")
		disp.mTransientErrors.Inc()
		return
	}
	ent.submitted = true
	ent.handle = handle
	ent.submittedAt = disp.clock()
	disp.mJobsSubmitted.Inc()
	logger.Info("job submitted")
}

// receive pulls up to free-slot-count messages and dispatches each
// one, in receive order. Returns the number of messages received.
func (disp *Dispatcher) receive(ctx context.Context) int {
	free := disp.slots.Free()
	if free < 1 {
		return 0
	}
	msgs, err := disp.Queue.Receive(ctx, free, disp.Cfg.WaitTime.Duration(), disp.Cfg.VisibilityTimeout.Duration())
	if err != nil {
		disp.Logger.WithError(err).Warn("error receiving from queue")
		disp.mTransientErrors.Inc()
		return 0
	}
	for _, msg := range msgs {
		disp.mMessagesRcvd.Inc()
		disp.handleMessage(ctx, msg)
	}
	return len(msgs)
}

func (disp *Dispatcher) handleMessage(ctx context.Context, msg sqsqueue.Message) {
	logger := disp.Logger.WithField("MessageID", msg.ID)

	if _, ok := disp.tracked[msg.ID]; ok {
		// Redelivered while a prior submission is still active;
		// never submit twice for the same message.
		logger.Warn("message redelivered while still in flight, ignoring")
		return
	}
	if !msg.BodyMD5OK {
		logger.WithField("Body", msg.Body).Warn("MD5 mismatch, discarding message")
		disp.ackPoison(ctx, msg, logger)
		return
	}
	if msg.ReceiveCount > disp.Cfg.PoisonReceiveCount {
		logger.WithFields(logrus.Fields{
			"ReceiveCount": msg.ReceiveCount,
			"Body":         msg.Body,
		}).Error("poison message: receive count over threshold, acknowledging without dispatch")
		disp.ackPoison(ctx, msg, logger)
		return
	}
	if !disp.matchesPrefix(msg.Body) {
		logger.WithField("Body", msg.Body).Debug("key does not match prefix filters, skipping")
		if err := disp.Queue.Ack(ctx, msg); err != nil {
			logger.WithError(err).Warn("error acknowledging skipped message")
		}
		return
	}

	spec, err := jobspec.Render(msg, disp.Cfg)
	if err != nil {
		// Malformed payload: retrying cannot help, so remove
		// the message instead of letting it loop.
		logger.WithError(err).Error("render failed, acknowledging malformed message")
		disp.mRenderFailures.Inc()
		if err := disp.Queue.Ack(ctx, msg); err != nil {
			logger.WithError(err).Warn("error acknowledging malformed message")
		}
		return
	}

	if disp.DryRun {
		manifest, err := kubejob.Manifest(spec, "dry-run")
		if err != nil {
			logger.WithError(err).Error("manifest validation failed")
			return
		}
		logger.WithField("Job", spec.Name).Info("dry run: rendered job manifest")
		disp.Logger.Debugf("manifest:\n%s", manifest)
		return
	}

	if !disp.slots.TryAcquire() {
		// No slot after all; the message reappears after its
		// visibility window, nothing is lost.
		logger.Debug("no free slot, leaving message for redelivery")
		return
	}
	ent := &trackedJob{
		msg:       msg,
		spec:      spec,
		visibleAt: disp.clock().Add(disp.Cfg.VisibilityTimeout.Duration()),
	}
	disp.tracked[msg.ID] = ent
	disp.trySubmit(ctx, ent)
}

// extendVisibility renews the message's visibility window when it is
// close to expiry, so a long-running legitimate job is not stolen by
// another worker mid-flight.
func (disp *Dispatcher) extendVisibility(ctx context.Context, ent *trackedJob, logger logrus.FieldLogger) {
	visibility := disp.Cfg.VisibilityTimeout.Duration()
	if disp.clock().Add(visibility / 2).Before(ent.visibleAt) {
		return
	}
	if err := disp.Queue.ExtendVisibility(ctx, ent.msg, visibility); err != nil {
		logger.WithError(err).Warn("error extending message visibility")
		disp.mTransientErrors.Inc()
		return
	}
	ent.visibleAt = disp.clock().Add(visibility)
}

// ackPoison acknowledges a message that must not be dispatched, to
// stop the redelivery loop.
func (disp *Dispatcher) ackPoison(ctx context.Context, msg sqsqueue.Message, logger logrus.FieldLogger) {
	disp.mPoisonMessages.Inc()
	if err := disp.Queue.Ack(ctx, msg); err != nil {
		logger.WithError(err).Warn("error acknowledging poison message")
	}
}

func (disp *Dispatcher) matchesPrefix(key string) bool {
	if len(disp.Cfg.MessagePrefix) == 0 {
		return true
	}
	for _, p := range disp.Cfg.MessagePrefix {
		if strings.HasPrefix(key, p) {
			return true
		}
		if ok, _ := path.Match(p, key); ok {
			return true
		}
		if ok, _ := path.Match(p, path.Base(key)); ok {
			return true
		}
	}
	return false
}

// drop removes a tracked job in a terminal state and releases its
// slot.
func (disp *Dispatcher) drop(ent *trackedJob) {
	delete(disp.tracked, ent.msg.ID)
	disp.throttle.Forget(ent.msg.ID)
	disp.slots.Release()
}

// shutdown stops acquiring new work, attempts to cancel all running
// jobs, and leaves every message unacknowledged for the next worker.
func (disp *Dispatcher) shutdown() {
	for _, ent := range disp.entries() {
		if !ent.submitted {
			disp.drop(ent)
			continue
		}
		logger := disp.Logger.WithField("Job", ent.handle.Name)
		logger.Info("shutting down, cancelling job")
		if err := disp.Launcher.Cancel(ent.handle); err != nil {
			logger.WithError(err).Warn("error cancelling job during shutdown")
		}
		disp.drop(ent)
	}
	disp.Logger.Info("dispatch loop stopped")
}
