package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rparkins/convoke/llm"
)

// Repository is the persistence collaborator. Every call is best-effort from
// the engine's perspective: failures are logged, never raised into the turn
// loop, and loss of the latest unflushed batch is acceptable. Corruption of
// in-memory ordering is not.
type Repository interface {
	CreateSession(ctx context.Context, sessionID, model, systemPrompt string) error
	SaveMessage(ctx context.Context, sessionID string, msg llm.Message) (int64, error)
	SaveMessageBatch(ctx context.Context, sessionID string, msgs []llm.Message) error
	SaveToolCall(ctx context.Context, sessionID, callID, toolName, arguments string) (int64, error)
	UpdateToolCallResult(ctx context.Context, id int64, output, errText string, durationMs int64) error
}

// writeBuffer queues messages for asynchronous persistence. A background
// worker drains the queue so a slow store never blocks the conversation.
// When the queue is full the newest entry is dropped, preserving the order
// of everything already enqueued.
type writeBuffer struct {
	sessionID string
	repo      Repository
	logger    *slog.Logger
	ch        chan llm.Message
	wg        sync.WaitGroup
	closeOnce sync.Once
}

const writeBufferCapacity = 128

func newWriteBuffer(sessionID string, repo Repository, logger *slog.Logger) *writeBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &writeBuffer{
		sessionID: sessionID,
		repo:      repo,
		logger:    logger,
		ch:        make(chan llm.Message, writeBufferCapacity),
	}
	b.wg.Add(1)
	go b.worker()
	return b
}

// enqueue adds a message for persistence without blocking.
func (b *writeBuffer) enqueue(msg llm.Message) {
	select {
	case b.ch <- msg:
	default:
		b.logger.Warn("write buffer full, dropping message", "role", string(msg.Role))
	}
}

func (b *writeBuffer) worker() {
	defer b.wg.Done()
	for msg := range b.ch {
		// Persistence outlives any one turn's context.
		if _, err := b.repo.SaveMessage(context.Background(), b.sessionID, msg); err != nil {
			b.logger.Warn("message persistence failed", "role", string(msg.Role), "error", err)
		}
	}
}

// close drains the queue and waits for the worker, bounding data loss on
// session close. Safe to call multiple times.
func (b *writeBuffer) close() {
	b.closeOnce.Do(func() {
		close(b.ch)
	})
	b.wg.Wait()
}
