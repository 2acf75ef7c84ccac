package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field crontab format.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the durable scheduled-message queue: it persists jobs,
// polls for due ones, claims each with a compare-and-swap before touching
// the transport, and records the terminal outcome. Sends run on the
// SendQueue so the loop (and Schedule/Cancel callers) never wait on the
// transport.
type Scheduler struct {
	db        *DB
	transport Transport
	queue     *SendQueue
	interval  time.Duration
	ticker    *time.Ticker
	wake      chan struct{}
	stop      chan struct{}
}

// NewScheduler creates a scheduler polling at the given interval.
func NewScheduler(db *DB, transport Transport, queue *SendQueue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		db:        db,
		transport: transport,
		queue:     queue,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.interval)
	go s.loop(ctx)
}

// Stop halts the polling loop. In-flight sends drain through the SendQueue.
func (s *Scheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stop)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.ticker.C:
			s.deliverDue(ctx)
		case <-s.wake:
			s.deliverDue(ctx)
		}
	}
}

// Schedule validates and persists a pending job, returning its id. The only
// side effect is the store write; the job fires on a later poll cycle.
func (s *Scheduler) Schedule(m *ScheduledMessage) (string, error) {
	if m.ThreadID == "" {
		return "", fmt.Errorf("thread_id is required")
	}
	if m.MessageText == "" {
		return "", fmt.Errorf("message_text is required")
	}
	if m.SendAt.IsZero() {
		return "", fmt.Errorf("send_at is not a valid timestamp")
	}
	if m.Repeat != "" {
		if _, err := cronParser.Parse(m.Repeat); err != nil {
			return "", fmt.Errorf("invalid repeat expression %q: %w", m.Repeat, err)
		}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Status = StatusPending
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := s.db.InsertScheduled(m); err != nil {
		return "", fmt.Errorf("insert scheduled: %w", err)
	}
	slog.Info("message scheduled", "id", m.ID, "thread", m.ThreadID, "send_at", m.SendAt)
	return m.ID, nil
}

// Cancel moves a still-pending job to cancelled. It reports false when the
// job is unknown, already claimed, or in a terminal state; a job can never
// be both cancelled and sent.
func (s *Scheduler) Cancel(id string) (bool, error) {
	ok, err := s.db.CancelScheduled(id, time.Now())
	if err != nil {
		return false, fmt.Errorf("cancel scheduled: %w", err)
	}
	if ok {
		slog.Info("scheduled message cancelled", "id", id)
	}
	return ok, nil
}

// CheckNow forces a poll cycle without waiting for the next tick. It does
// not bypass the pending/cancelled guard.
func (s *Scheduler) CheckNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliverDue is one poll cycle: claim every due pending job and hand it to
// the send queue. Claiming before sending means a concurrent Cancel either
// ran first (the claim fails, nothing is sent) or runs second (the cancel
// fails against the claimed row).
func (s *Scheduler) deliverDue(ctx context.Context) {
	due, err := s.db.DueScheduled(time.Now())
	if err != nil {
		slog.Error("query due messages", "err", err)
		return
	}

	for i := range due {
		m := due[i]
		claimed, err := s.db.ClaimScheduled(m.ID, time.Now())
		if err != nil {
			slog.Error("claim scheduled", "id", m.ID, "err", err)
			continue
		}
		if !claimed {
			// Cancelled, or another cycle got there first.
			continue
		}
		if err := s.queue.Enqueue(ctx, m.ThreadID, func() { s.send(ctx, &m) }); err != nil {
			slog.Error("enqueue send", "id", m.ID, "err", err)
			s.finishFailed(m.ID, err)
		}
	}
}

func (s *Scheduler) send(ctx context.Context, m *ScheduledMessage) {
	if err := s.transport.SendMessage(ctx, m.ThreadID, m.MessageText, m.IsGroup); err != nil {
		slog.Error("transport send failed", "id", m.ID, "thread", m.ThreadID, "err", err)
		s.finishFailed(m.ID, err)
		return
	}
	if _, err := s.db.MarkScheduledSent(m.ID, time.Now()); err != nil {
		slog.Error("mark sent", "id", m.ID, "err", err)
		return
	}
	slog.Info("scheduled message sent", "id", m.ID, "thread", m.ThreadID)
	if m.Repeat != "" {
		s.scheduleNext(m)
	}
}

func (s *Scheduler) finishFailed(id string, sendErr error) {
	if _, err := s.db.MarkScheduledFailed(id, sendErr.Error(), time.Now()); err != nil {
		slog.Error("mark failed", "id", id, "err", err)
	}
}

// scheduleNext inserts a fresh pending job at the next cron occurrence of a
// repeating message. The row that just fired stays terminal, so every row
// still transitions pending→terminal exactly once.
func (s *Scheduler) scheduleNext(m *ScheduledMessage) {
	sched, err := cronParser.Parse(m.Repeat)
	if err != nil {
		slog.Warn("repeat expression no longer parses", "id", m.ID, "repeat", m.Repeat, "err", err)
		return
	}
	next := &ScheduledMessage{
		ThreadID:    m.ThreadID,
		MessageText: m.MessageText,
		SendAt:      sched.Next(time.Now()),
		IsGroup:     m.IsGroup,
		OriginID:    m.OriginID,
		Repeat:      m.Repeat,
	}
	if _, err := s.Schedule(next); err != nil {
		slog.Error("schedule next occurrence", "after", m.ID, "err", err)
	}
}
