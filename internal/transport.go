package internal

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport is the messaging channel the agent sends through. The physical
// implementation (WhatsApp bridge, Discord bot, ...) lives outside this
// module and is wired in at startup.
type Transport interface {
	SendMessage(ctx context.Context, threadID ThreadID, text string, isGroup bool) error
	SendMultiBubble(ctx context.Context, threadID ThreadID, bubbles []string, isGroup bool) error
}

// LogTransport logs outbound messages and reports success. Used for headless
// runs when no physical channel is configured.
type LogTransport struct{}

func (LogTransport) SendMessage(_ context.Context, threadID ThreadID, text string, isGroup bool) error {
	slog.Info("outbound message", "thread", threadID, "group", isGroup, "text", text)
	return nil
}

func (LogTransport) SendMultiBubble(_ context.Context, threadID ThreadID, bubbles []string, isGroup bool) error {
	slog.Info("outbound bubbles", "thread", threadID, "group", isGroup, "count", len(bubbles))
	return nil
}

// RecordingTransport wraps another Transport and appends every successful
// send to the message audit log.
type RecordingTransport struct {
	db     *DB
	next   Transport
	sender string
}

// NewRecordingTransport wraps next, recording sends as coming from sender.
func NewRecordingTransport(db *DB, next Transport, sender string) *RecordingTransport {
	return &RecordingTransport{db: db, next: next, sender: sender}
}

func (t *RecordingTransport) SendMessage(ctx context.Context, threadID ThreadID, text string, isGroup bool) error {
	if err := t.next.SendMessage(ctx, threadID, text, isGroup); err != nil {
		return err
	}
	t.record(threadID, text, isGroup)
	return nil
}

func (t *RecordingTransport) SendMultiBubble(ctx context.Context, threadID ThreadID, bubbles []string, isGroup bool) error {
	if err := t.next.SendMultiBubble(ctx, threadID, bubbles, isGroup); err != nil {
		return err
	}
	t.record(threadID, strings.Join(bubbles, "\n"), isGroup)
	return nil
}

func (t *RecordingTransport) record(threadID ThreadID, text string, isGroup bool) {
	msg := &StoredMessage{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Sender:     t.sender,
		Content:    text,
		Timestamp:  time.Now(),
		IsGroup:    isGroup,
		IsOutbound: true,
	}
	if err := t.db.SaveMessage(msg); err != nil {
		slog.Error("record outbound message", "thread", threadID, "err", err)
	}
}
