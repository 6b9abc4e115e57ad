package bft

import "testing"

func TestHeaderListAppendEvictsOldest(t *testing.T) {
	l := NewHeaderList(3)
	for height := uint64(1); height <= 5; height++ {
		l.Append(&BlockHeader{Height: height})
	}
	if l.Len() != 3 {
		t.Fatalf("expected len 3, got %d", l.Len())
	}
	first, ok := l.First()
	if !ok || first.Height != 3 {
		t.Fatalf("expected first height 3, got %+v ok=%v", first, ok)
	}
	last, ok := l.Last()
	if !ok || last.Height != 5 {
		t.Fatalf("expected last height 5, got %+v ok=%v", last, ok)
	}
}

func TestHeaderListGetByHeight(t *testing.T) {
	l := NewHeaderList(10)
	l.Append(&BlockHeader{Height: 1})
	l.Append(&BlockHeader{Height: 2})
	if _, ok := l.GetByHeight(99); ok {
		t.Fatalf("expected miss for height 99")
	}
	h, ok := l.GetByHeight(2)
	if !ok || h.Height != 2 {
		t.Fatalf("expected hit for height 2, got %+v ok=%v", h, ok)
	}
}

func TestHeaderListRemoveAbove(t *testing.T) {
	l := NewHeaderList(10)
	for height := uint64(1); height <= 5; height++ {
		l.Append(&BlockHeader{Height: height})
	}
	l.RemoveAbove(3)
	if l.Len() != 3 {
		t.Fatalf("expected len 3 after RemoveAbove(3), got %d", l.Len())
	}
	last, _ := l.Last()
	if last.Height != 3 {
		t.Fatalf("expected last height 3, got %d", last.Height)
	}
}

func TestHeaderListTop(t *testing.T) {
	l := NewHeaderList(10)
	for height := uint64(1); height <= 5; height++ {
		l.Append(&BlockHeader{Height: height})
	}
	top := l.Top(2)
	if len(top) != 2 || top[0].Height != 4 || top[1].Height != 5 {
		t.Fatalf("unexpected top(2): %+v", top)
	}
	if all := l.Top(100); len(all) != 5 {
		t.Fatalf("expected top(100) capped to len 5, got %d", len(all))
	}
}
