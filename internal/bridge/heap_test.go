package bridge

import "testing"

type heapElem struct {
	trip int
	idx  int
}

func newIntervalLikeHeap() *Heap[*heapElem] {
	return NewHeap(
		func(a, b *heapElem) bool { return a.trip > b.trip }, // root = minimum trip time
		func(t *heapElem, i int) { t.idx = i },
	)
}

func TestHeapRootIsMinimumTripTime(t *testing.T) {
	h := newIntervalLikeHeap()
	vals := []int{50, 10, 40, 20, 5, 90, 15}
	for _, v := range vals {
		h.Push(&heapElem{trip: v})
	}

	prev := -1
	for h.Len() > 0 {
		top, _ := h.Peek()
		if top.trip < prev {
			t.Fatalf("heap root not monotone non-decreasing: got %d after %d", top.trip, prev)
		}
		prev = top.trip
		popped, ok := h.Pop()
		if !ok {
			t.Fatal("expected pop to succeed")
		}
		if popped.trip != top.trip {
			t.Fatalf("pop returned %d, peek said %d", popped.trip, top.trip)
		}
	}
}

func TestHeapRemoveAtArbitraryIndex(t *testing.T) {
	h := newIntervalLikeHeap()
	elems := make([]*heapElem, 0, 5)
	for _, v := range []int{30, 10, 20, 40, 5} {
		e := &heapElem{trip: v}
		h.Push(e)
		elems = append(elems, e)
	}

	// Remove the element with trip=20 via its own back-index.
	var target *heapElem
	for _, e := range elems {
		if e.trip == 20 {
			target = e
		}
	}
	if target == nil {
		t.Fatal("target not found")
	}

	removed, ok := h.RemoveAt(target.idx)
	if !ok || removed.trip != 20 {
		t.Fatalf("RemoveAt: got %+v, ok=%v", removed, ok)
	}

	var got []int
	for h.Len() > 0 {
		v, _ := h.Pop()
		got = append(got, v.trip)
	}
	want := []int{5, 10, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestHeapEmptyPopAndPeek(t *testing.T) {
	h := newIntervalLikeHeap()
	if _, ok := h.Pop(); ok {
		t.Fatal("expected Pop on empty heap to fail")
	}
	if _, ok := h.Peek(); ok {
		t.Fatal("expected Peek on empty heap to fail")
	}
}
