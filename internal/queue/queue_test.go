package queue

import "testing"

func TestPushPopOrdering(t *testing.T) {
	q := NewBounded[int](4)
	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d unexpectedly dropped", i)
		}
	}
	for i := 0; i < 3; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("expected %d, got %d ok=%v", i, v, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPushDropsBeyondCapacity(t *testing.T) {
	q := NewBounded[int](2)
	if !q.Push(1) || !q.Push(2) {
		t.Fatal("expected first two pushes to succeed")
	}
	if q.Push(3) {
		t.Fatal("expected push beyond capacity to report false")
	}
	if q.Len() != 2 {
		t.Fatalf("expected length 2, got %d", q.Len())
	}
}

func TestNotifyRearmsWhileItemsRemain(t *testing.T) {
	q := NewBounded[int](4)
	q.Push(1)
	q.Push(2)

	<-q.Notify()
	if v, ok := q.Pop(); !ok || v != 1 {
		t.Fatalf("expected 1, got %d ok=%v", v, ok)
	}

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected Pop to re-arm Notify while an item remains")
	}
	if v, ok := q.Pop(); !ok || v != 2 {
		t.Fatalf("expected 2, got %d ok=%v", v, ok)
	}
}
