package bft

import (
	"testing"
	"time"
)

func TestForkChoiceIdentical(t *testing.T) {
	last := &Block{ID: "1", Height: 10}
	newBlock := &Block{ID: "1", Height: 10}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != Identical {
		t.Fatalf("expected IDENTICAL, got %s", verdict)
	}
}

func TestForkChoiceValid(t *testing.T) {
	last := &Block{ID: "1", Height: 10}
	newBlock := &Block{ID: "2", PreviousBlockID: "1", Height: 11}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != Valid {
		t.Fatalf("expected VALID, got %s", verdict)
	}
}

func TestForkChoiceDoubleForging(t *testing.T) {
	last := &Block{ID: "1", PreviousBlockID: "0", Height: 10, MaxHeightPrevoted: 5, DelegatePublicKey: "A"}
	newBlock := &Block{ID: "2", PreviousBlockID: "0", Height: 10, MaxHeightPrevoted: 5, DelegatePublicKey: "A"}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != DoubleForging {
		t.Fatalf("expected DOUBLE_FORGING, got %s", verdict)
	}
}

// S3 from spec.md §8.
func TestForkChoiceTieBreak(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	last := &Block{
		ID: "1", PreviousBlockID: "0", Height: 10, MaxHeightPrevoted: 5,
		DelegatePublicKey: "A", Timestamp: base, ReceivedAt: base.Add(1000 * time.Millisecond),
	}
	newBlock := &Block{
		ID: "2", PreviousBlockID: "0", Height: 10, MaxHeightPrevoted: 5,
		DelegatePublicKey: "B", Timestamp: base, ReceivedAt: base.Add(500 * time.Millisecond),
	}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != TieBreak {
		t.Fatalf("expected TIE_BREAK, got %s", verdict)
	}
	if winner := TieBreakWinner(newBlock, last); winner != newBlock {
		t.Fatalf("expected new block to win tie-break with smaller lag")
	}
}

// spec.md §4.1 step 4: TIE_BREAK is only returned if the new block would
// displace the tip. When the tip's receivedAt-timestamp lag is smaller, the
// tip keeps its place and the verdict falls through to DISCARD.
func TestForkChoiceTieBreakTipWins(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	last := &Block{
		ID: "1", PreviousBlockID: "0", Height: 10, MaxHeightPrevoted: 5,
		DelegatePublicKey: "A", Timestamp: base, ReceivedAt: base.Add(500 * time.Millisecond),
	}
	newBlock := &Block{
		ID: "2", PreviousBlockID: "0", Height: 10, MaxHeightPrevoted: 5,
		DelegatePublicKey: "B", Timestamp: base, ReceivedAt: base.Add(1000 * time.Millisecond),
	}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != Discard {
		t.Fatalf("expected DISCARD when the tip wins the tie-break, got %s", verdict)
	}
	if winner := TieBreakWinner(newBlock, last); winner != last {
		t.Fatalf("expected tip to win tie-break with smaller lag")
	}
}

func TestForkChoiceTieBreakEqualLagFavorsNew(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	last := &Block{ID: "1", Timestamp: base, ReceivedAt: base.Add(750 * time.Millisecond)}
	newBlock := &Block{ID: "2", Timestamp: base, ReceivedAt: base.Add(750 * time.Millisecond)}
	if winner := TieBreakWinner(newBlock, last); winner != newBlock {
		t.Fatalf("expected equal-lag tie-break to favor the new block")
	}
}

func TestForkChoiceDifferentChain(t *testing.T) {
	last := &Block{ID: "1", Height: 10, MaxHeightPrevoted: 5}
	newBlock := &Block{ID: "2", PreviousBlockID: "x", Height: 20, MaxHeightPrevoted: 9}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != DifferentChain {
		t.Fatalf("expected DIFFERENT_CHAIN, got %s", verdict)
	}
}

func TestForkChoiceDiscard(t *testing.T) {
	last := &Block{ID: "1", Height: 10, MaxHeightPrevoted: 5}
	newBlock := &Block{ID: "2", PreviousBlockID: "x", Height: 3, MaxHeightPrevoted: 1}
	verdict, err := ForkChoice(newBlock, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != Discard {
		t.Fatalf("expected DISCARD, got %s", verdict)
	}
}

func TestForkChoiceArgumentMissing(t *testing.T) {
	if _, err := ForkChoice(nil, &Block{}); !IsArgumentMissing(err) {
		t.Fatalf("expected ArgumentMissing, got %v", err)
	}
	if _, err := ForkChoice(&Block{}, nil); !IsArgumentMissing(err) {
		t.Fatalf("expected ArgumentMissing, got %v", err)
	}
}
