// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opendatacube/WOFLs-orchestration/lib/config"
	"github.com/opendatacube/WOFLs-orchestration/lib/ctxlog"
	"github.com/opendatacube/WOFLs-orchestration/lib/jobspec"
	"github.com/opendatacube/WOFLs-orchestration/lib/kubejob"
	"github.com/opendatacube/WOFLs-orchestration/lib/sqsqueue"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&dispatchSuite{})

type dispatchSuite struct {
	cfg      *config.Config
	queue    *stubQueue
	launcher *stubLauncher
	disp     *Dispatcher
	now      time.Time
}

const sceneKey = "usgs/c1/l8/155/072/LC08_L1TP_155072_20180316_20180401_01_T1/LC08_L1TP_155072_20180316_20180401_01_T1_MTL.xml"

func (s *dispatchSuite) SetUpTest(c *check.C) {
	s.cfg = config.Default()
	s.cfg.QueueURL = "https://sqs.test.invalid/1/landsat-to-wofs"
	s.cfg.OutputBucket = "deafrica-wofs"
	s.cfg.OutputPath = "wofls"
	s.cfg.Job.Image = "opendatacube/wofl:1.2.3"
	s.cfg.DB.Username = "wofl"
	s.cfg.MinSubmitRetryPeriod = 0
	s.queue = &stubQueue{}
	s.launcher = &stubLauncher{states: map[string]kubejob.State{}}
	s.now = time.Date(2018, 3, 16, 12, 0, 0, 0, time.UTC)
	s.disp = &Dispatcher{
		Cfg:      s.cfg,
		Queue:    s.queue,
		Launcher: s.launcher,
		Logger:   ctxlog.TestLogger(c),
		clock:    func() time.Time { return s.now },
	}
}

func (s *dispatchSuite) enqueue(id, body string, receiveCount int) {
	s.queue.pending = append(s.queue.pending, sqsqueue.Message{
		ID:            id,
		ReceiptHandle: "rh-" + id,
		Body:          body,
		ReceiveCount:  receiveCount,
		BodyMD5OK:     true,
	})
}

func (s *dispatchSuite) sweep() {
	s.disp.sweep(context.Background())
}

// finish moves the i'th submitted job to the given terminal state.
func (s *dispatchSuite) finish(c *check.C, i int, state kubejob.State) {
	c.Assert(len(s.launcher.submitted) > i, check.Equals, true)
	s.launcher.states[s.launcher.submitted[i]] = state
}

type stubQueue struct {
	pending    []sqsqueue.Message
	maxSeen    []int
	acked      []string
	ackErr     error
	extended   []string
	receiveErr error
}

func (q *stubQueue) Receive(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]sqsqueue.Message, error) {
	q.maxSeen = append(q.maxSeen, maxMessages)
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	if maxMessages > len(q.pending) {
		maxMessages = len(q.pending)
	}
	msgs := q.pending[:maxMessages]
	q.pending = q.pending[maxMessages:]
	return msgs, nil
}

func (q *stubQueue) Ack(ctx context.Context, msg sqsqueue.Message) error {
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acked = append(q.acked, msg.ID)
	return nil
}

func (q *stubQueue) ExtendVisibility(ctx context.Context, msg sqsqueue.Message, d time.Duration) error {
	q.extended = append(q.extended, msg.ID)
	return nil
}

type stubLauncher struct {
	states         map[string]kubejob.State
	submitted      []string
	submitAttempts int
	submitErrs     int
	statusErr      error
	cancelled      []string
}

func (l *stubLauncher) Submit(spec *jobspec.JobSpec) (kubejob.JobHandle, error) {
	l.submitAttempts++
	if l.submitErrs > 0 {
		l.submitErrs--
		return kubejob.JobHandle{}, kubejob.SubmitError{Err: errors.New("cluster unreachable")}
	}
	l.submitted = append(l.submitted, spec.Name)
	if _, ok := l.states[spec.Name]; !ok {
		l.states[spec.Name] = kubejob.StateRunning
	}
	return kubejob.JobHandle{Name: spec.Name, Namespace: spec.Namespace}, nil
}

func (l *stubLauncher) Status(h kubejob.JobHandle) (kubejob.State, error) {
	if l.statusErr != nil {
		return kubejob.StateRunning, l.statusErr
	}
	return l.states[h.Name], nil
}

func (l *stubLauncher) Cancel(h kubejob.JobHandle) error {
	l.cancelled = append(l.cancelled, h.Name)
	return nil
}

func (s *dispatchSuite) TestSuccessAckedExactlyOnce(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	c.Check(s.launcher.submitted, check.HasLen, 1)
	c.Check(s.queue.acked, check.HasLen, 0)

	// Still running: nothing terminal happens.
	s.sweep()
	c.Check(s.queue.acked, check.HasLen, 0)
	c.Check(s.launcher.submitAttempts, check.Equals, 1)

	s.finish(c, 0, kubejob.StateSucceeded)
	s.sweep()
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
	c.Check(s.disp.tracked, check.HasLen, 0)
	c.Check(s.disp.slots.Used(), check.Equals, 0)

	// Later sweeps must not ack again.
	s.sweep()
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestFailureLeavesMessageForRedelivery(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	s.finish(c, 0, kubejob.StateFailed)
	s.sweep()
	c.Check(s.queue.acked, check.HasLen, 0)
	c.Check(s.disp.tracked, check.HasLen, 0)

	// The queue redelivers; the dispatcher tries again with a fresh
	// job.
	s.enqueue("msg-1", sceneKey, 2)
	s.sweep()
	c.Check(s.launcher.submitted, check.HasLen, 2)
	c.Check(s.queue.acked, check.HasLen, 0)
}

func (s *dispatchSuite) TestJobGoneTreatedAsFailure(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	s.finish(c, 0, kubejob.StateNotFound)
	s.sweep()
	c.Check(s.queue.acked, check.HasLen, 0)
	c.Check(s.disp.tracked, check.HasLen, 0)
	c.Check(s.disp.slots.Used(), check.Equals, 0)
}

func (s *dispatchSuite) TestConcurrencyLimit(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.enqueue("msg-2", sceneKey, 1)
	s.sweep()
	// With one slot the dispatcher asks for one message at a time and
	// does not poll while the slot is held.
	c.Check(s.queue.maxSeen, check.DeepEquals, []int{1})
	c.Check(s.launcher.submitted, check.HasLen, 1)
	s.sweep()
	c.Check(s.queue.maxSeen, check.DeepEquals, []int{1})

	// The second message is dispatched in the sweep that retires the
	// first.
	s.finish(c, 0, kubejob.StateSucceeded)
	s.sweep()
	c.Check(s.launcher.submitted, check.HasLen, 2)
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestMultipleSlots(c *check.C) {
	s.cfg.MaxJobsPerWorker = 3
	s.enqueue("msg-1", sceneKey, 1)
	s.enqueue("msg-2", sceneKey, 1)
	s.sweep()
	c.Check(s.queue.maxSeen, check.DeepEquals, []int{3})
	c.Check(s.launcher.submitted, check.HasLen, 2)
	c.Check(s.disp.slots.Used(), check.Equals, 2)
	s.sweep()
	c.Check(s.queue.maxSeen, check.DeepEquals, []int{3, 1})
}

func (s *dispatchSuite) TestTimeoutCancelsWithoutAck(c *check.C) {
	s.cfg.JobTimeBudget = config.Duration(time.Hour)
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	c.Assert(s.launcher.submitted, check.HasLen, 1)

	s.now = s.now.Add(time.Hour + time.Minute)
	s.sweep()
	c.Check(s.launcher.cancelled, check.DeepEquals, []string{s.launcher.submitted[0]})
	c.Check(s.queue.acked, check.HasLen, 0)
	c.Check(s.disp.tracked, check.HasLen, 0)
	c.Check(s.disp.slots.Used(), check.Equals, 0)
}

func (s *dispatchSuite) TestMalformedPayloadAckedWithoutDispatch(c *check.C) {
	s.enqueue("msg-1", "", 1)
	s.enqueue("msg-2", "not a scene descriptor", 1)
	s.cfg.MaxJobsPerWorker = 2
	s.sweep()
	c.Check(s.launcher.submitAttempts, check.Equals, 0)
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1", "msg-2"})
	c.Check(s.disp.tracked, check.HasLen, 0)
	c.Check(s.disp.slots.Used(), check.Equals, 0)
}

func (s *dispatchSuite) TestTransientSubmitErrorRetried(c *check.C) {
	s.cfg.MinSubmitRetryPeriod = config.Duration(10 * time.Second)
	s.launcher.submitErrs = 3
	s.enqueue("msg-1", sceneKey, 1)

	s.sweep()
	c.Check(s.launcher.submitAttempts, check.Equals, 1)
	// Within the retry hold, no new attempt.
	s.sweep()
	c.Check(s.launcher.submitAttempts, check.Equals, 1)

	for i := 0; i < 3; i++ {
		s.now = s.now.Add(11 * time.Second)
		s.sweep()
	}
	c.Check(s.launcher.submitAttempts, check.Equals, 4)
	c.Check(s.launcher.submitted, check.HasLen, 1)
	// The message was never acknowledged or re-received meanwhile.
	c.Check(s.queue.acked, check.HasLen, 0)
	c.Check(s.disp.tracked, check.HasLen, 1)

	s.finish(c, 0, kubejob.StateSucceeded)
	s.sweep()
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestPoisonMessageAcked(c *check.C) {
	s.cfg.PoisonReceiveCount = 5
	s.enqueue("msg-1", sceneKey, 6)
	s.sweep()
	c.Check(s.launcher.submitAttempts, check.Equals, 0)
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestCorruptBodyAcked(c *check.C) {
	s.queue.pending = append(s.queue.pending, sqsqueue.Message{
		ID:            "msg-1",
		ReceiptHandle: "rh-msg-1",
		Body:          sceneKey,
		ReceiveCount:  1,
		BodyMD5OK:     false,
	})
	s.sweep()
	c.Check(s.launcher.submitAttempts, check.Equals, 0)
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestPrefixFilter(c *check.C) {
	s.cfg.MessagePrefix = []string{"usgs"}
	s.cfg.MaxJobsPerWorker = 2
	s.enqueue("msg-1", "sentinel/tiles/2018/S2A_MSIL1C.xml", 1)
	s.enqueue("msg-2", sceneKey, 1)
	s.sweep()
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
	c.Check(s.launcher.submitted, check.HasLen, 1)
}

func (s *dispatchSuite) TestRedeliveredWhileInFlight(c *check.C) {
	s.cfg.MaxJobsPerWorker = 2
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	c.Assert(s.launcher.submitted, check.HasLen, 1)

	// Visibility hiccup: the same message comes around again while
	// its job is still running. It must not be dispatched twice.
	s.enqueue("msg-1", sceneKey, 2)
	s.sweep()
	c.Check(s.launcher.submitted, check.HasLen, 1)
	c.Check(s.queue.acked, check.HasLen, 0)
}

func (s *dispatchSuite) TestVisibilityExtendedWhileRunning(c *check.C) {
	s.cfg.VisibilityTimeout = config.Duration(60 * time.Second)
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	c.Check(s.queue.extended, check.HasLen, 0)

	// Half the window left: the next sweep renews it.
	s.now = s.now.Add(31 * time.Second)
	s.sweep()
	c.Check(s.queue.extended, check.DeepEquals, []string{"msg-1"})

	// Just renewed, nothing to do yet.
	s.sweep()
	c.Check(s.queue.extended, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestAckFailureRetriedNextSweep(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	s.finish(c, 0, kubejob.StateSucceeded)

	s.queue.ackErr = errors.New("network is down")
	s.sweep()
	c.Check(s.queue.acked, check.HasLen, 0)
	c.Check(s.disp.tracked, check.HasLen, 1)

	s.queue.ackErr = nil
	s.sweep()
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
	c.Check(s.disp.tracked, check.HasLen, 0)
}

func (s *dispatchSuite) TestStatusErrorKeepsJobTracked(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	s.launcher.statusErr = errors.New("cluster unreachable")
	s.sweep()
	c.Check(s.disp.tracked, check.HasLen, 1)
	c.Check(s.queue.acked, check.HasLen, 0)

	s.launcher.statusErr = nil
	s.finish(c, 0, kubejob.StateSucceeded)
	s.sweep()
	c.Check(s.queue.acked, check.DeepEquals, []string{"msg-1"})
}

func (s *dispatchSuite) TestReceiveErrorRetried(c *check.C) {
	s.queue.receiveErr = errors.New("network is down")
	s.sweep()
	c.Check(s.disp.tracked, check.HasLen, 0)

	s.queue.receiveErr = nil
	s.enqueue("msg-1", sceneKey, 1)
	s.sweep()
	c.Check(s.launcher.submitted, check.HasLen, 1)
}

func (s *dispatchSuite) TestExitOnEmpty(c *check.C) {
	s.disp.ExitOnEmpty = true
	err := s.disp.Run(context.Background())
	c.Check(err, check.IsNil)
	c.Check(s.queue.maxSeen, check.DeepEquals, []int{1})
}

func (s *dispatchSuite) TestDryRun(c *check.C) {
	s.disp.DryRun = true
	s.enqueue("msg-1", sceneKey, 1)
	err := s.disp.Run(context.Background())
	c.Check(err, check.IsNil)
	c.Check(s.launcher.submitAttempts, check.Equals, 0)
	c.Check(s.queue.acked, check.HasLen, 0)
}

func (s *dispatchSuite) TestStopCancelsRunningJobs(c *check.C) {
	s.enqueue("msg-1", sceneKey, 1)
	s.disp.initOnce.Do(s.disp.init)
	done := make(chan error, 1)
	go func() { done <- s.disp.Run(context.Background()) }()
	for deadline := time.Now().Add(10 * time.Second); s.disp.slots.Used() == 0 && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
	}
	s.disp.Stop()
	c.Check(<-done, check.IsNil)
	c.Check(s.launcher.cancelled, check.HasLen, 1)
	c.Check(s.queue.acked, check.HasLen, 0)
}

func (s *dispatchSuite) TestContextCancelShutsDown(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.disp.Run(ctx)
	c.Check(err, check.Equals, context.Canceled)
}
