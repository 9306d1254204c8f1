package engine

import (
	"strings"
	"sync"

	"github.com/relaybot/relay/pkg/models"
)

// QueueMode controls how messages that arrive during an active turn are
// delivered once the turn finishes. Queueing never preempts an in-flight
// iteration.
type QueueMode string

const (
	// QueueFollowup runs each queued message as its own subsequent turn,
	// sequentially, after the current one finishes.
	QueueFollowup QueueMode = "followup"

	// QueueCollect concatenates all queued text into a single follow-up
	// turn once the current one finishes.
	QueueCollect QueueMode = "collect"
)

// MessageQueue holds user messages that arrive while a turn is running.
// It is safe for concurrent use.
type MessageQueue struct {
	mu      sync.Mutex
	mode    QueueMode
	pending []*models.Message
}

// NewMessageQueue creates a queue with the given mode.
// An empty mode defaults to QueueFollowup.
func NewMessageQueue(mode QueueMode) *MessageQueue {
	if mode == "" {
		mode = QueueFollowup
	}
	return &MessageQueue{mode: mode}
}

// Mode returns the configured delivery mode.
func (q *MessageQueue) Mode() QueueMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// Push queues a message for delivery after the active turn.
func (q *MessageQueue) Push(msg *models.Message) {
	if msg == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain returns the messages to run next and clears the backing slice
// accordingly.
//
// In followup mode it returns the single oldest message; callers drain
// repeatedly, one turn per message. In collect mode it returns one merged
// message whose content is all queued text joined by blank lines.
func (q *MessageQueue) Drain() []*models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}

	if q.mode == QueueCollect {
		parts := make([]string, 0, len(q.pending))
		for _, msg := range q.pending {
			if strings.TrimSpace(msg.Content) != "" {
				parts = append(parts, msg.Content)
			}
		}
		merged := &models.Message{
			ID:        q.pending[0].ID,
			SessionID: q.pending[0].SessionID,
			Role:      models.RoleUser,
			Content:   strings.Join(parts, "\n\n"),
			CreatedAt: q.pending[0].CreatedAt,
		}
		q.pending = nil
		return []*models.Message{merged}
	}

	next := q.pending[0]
	q.pending = q.pending[1:]
	return []*models.Message{next}
}
