package avatar

import (
	"fmt"
	"strings"
)

// QueuePolicy decides which frame is lost when the audio queue is full.
type QueuePolicy string

const (
	DropOldest QueuePolicy = "drop_oldest"
	DropNewest QueuePolicy = "drop_newest"
)

func ParseQueuePolicy(raw string) (QueuePolicy, error) {
	switch QueuePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	default:
		return "", fmt.Errorf("unknown audio queue policy %q", raw)
	}
}

// audioQueue is a bounded FIFO of pending frames. Not safe for concurrent use;
// the client guards it with its own mutex.
type audioQueue struct {
	limit  int
	policy QueuePolicy
	frames [][]byte
}

func newAudioQueue(limit int, policy QueuePolicy) *audioQueue {
	if limit <= 0 {
		limit = 256
	}
	if policy == "" {
		policy = DropOldest
	}
	return &audioQueue{limit: limit, policy: policy}
}

// Push appends frame and reports whether a frame was dropped to make room.
func (q *audioQueue) Push(frame []byte) (dropped bool) {
	if len(q.frames) < q.limit {
		q.frames = append(q.frames, frame)
		return false
	}
	if q.policy == DropNewest {
		return true
	}
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = frame
	return true
}

func (q *audioQueue) Pop() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

func (q *audioQueue) Len() int { return len(q.frames) }

func (q *audioQueue) Clear() { q.frames = nil }
