package avatar

import "testing"

func TestAudioQueueDropOldest(t *testing.T) {
	q := newAudioQueue(2, DropOldest)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	if dropped := q.Push([]byte("c")); !dropped {
		t.Fatalf("Push() dropped = false, want true")
	}
	assertPops(t, q, "b", "c")
}

func TestAudioQueueDropNewest(t *testing.T) {
	q := newAudioQueue(2, DropNewest)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	if dropped := q.Push([]byte("c")); !dropped {
		t.Fatalf("Push() dropped = false, want true")
	}
	assertPops(t, q, "a", "b")
}

func TestAudioQueueClear(t *testing.T) {
	q := newAudioQueue(4, DropOldest)
	q.Push([]byte("a"))
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", q.Len())
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop() ok = true on empty queue")
	}
}

func TestParseQueuePolicy(t *testing.T) {
	for raw, want := range map[string]QueuePolicy{"": DropOldest, "DROP_OLDEST": DropOldest, " drop_newest ": DropNewest} {
		got, err := ParseQueuePolicy(raw)
		if err != nil || got != want {
			t.Fatalf("ParseQueuePolicy(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseQueuePolicy("block"); err == nil {
		t.Fatalf("ParseQueuePolicy(block) expected error")
	}
}

func assertPops(t *testing.T, q *audioQueue, want ...string) {
	t.Helper()
	for _, w := range want {
		got, ok := q.Pop()
		if !ok || string(got) != w {
			t.Fatalf("Pop() = %q, %v; want %q", got, ok, w)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}
