package bft

import (
	"fmt"
	"testing"
)

func delegateKey(n int) []byte {
	return []byte(fmt.Sprintf("delegate-%03d", n))
}

// S1 from spec.md §8: finalization across 3 rounds, D=101.
func TestFinalizationAcrossThreeRounds(t *testing.T) {
	const activeDelegates = 101
	fm := NewFinalityManager(activeDelegates, 0)

	prevFinalized := uint64(0)
	for height := uint64(1); height <= 303; height++ {
		delegate := int((height-1)%activeDelegates) + 1
		var previouslyForged uint64
		if height > activeDelegates {
			previouslyForged = height - activeDelegates
		}
		h := &BlockHeader{
			Height:                    height,
			DelegatePublicKey:         delegateKey(delegate),
			MaxHeightPreviouslyForged: previouslyForged,
			MaxHeightPrevoted:         fm.ChainMaxHeightPrevoted(),
			DelegateMinHeightActive:   0,
		}
		if err := fm.AddBlockHeader(h); err != nil {
			t.Fatalf("height %d: unexpected error: %v", height, err)
		}

		if fm.FinalizedHeight() < prevFinalized {
			t.Fatalf("height %d: finalizedHeight regressed from %d to %d", height, prevFinalized, fm.FinalizedHeight())
		}
		prevFinalized = fm.FinalizedHeight()

		if height == 202 && fm.FinalizedHeight() < 1 {
			t.Fatalf("expected finalizedHeight >= 1 after header 202, got %d", fm.FinalizedHeight())
		}
		if height == 303 && fm.FinalizedHeight() < activeDelegates {
			t.Fatalf("expected finalizedHeight >= %d after header 303, got %d", activeDelegates, fm.FinalizedHeight())
		}
		if fm.ChainMaxHeightPrevoted() > height {
			t.Fatalf("height %d: chainMaxHeightPrevoted %d exceeds max known height", height, fm.ChainMaxHeightPrevoted())
		}
	}
}

// S2 from spec.md §8: equivocation ignored.
func TestEquivocationIgnored(t *testing.T) {
	fm := NewFinalityManager(10, 0)
	delegate := delegateKey(1)

	h1 := &BlockHeader{Height: 150, DelegatePublicKey: delegate, MaxHeightPreviouslyForged: 200}
	h2 := &BlockHeader{Height: 151, DelegatePublicKey: delegate, MaxHeightPreviouslyForged: 200}

	if err := fm.AddBlockHeader(h1); err != nil {
		t.Fatalf("unexpected error on first header: %v", err)
	}
	if err := fm.AddBlockHeader(h2); err != nil {
		t.Fatalf("unexpected error on second header: %v", err)
	}

	if len(fm.preVotes) != 0 {
		t.Fatalf("expected no pre-votes recorded for an equivocating delegate, got %v", fm.preVotes)
	}
	if len(fm.preCommits) != 0 {
		t.Fatalf("expected no pre-commits recorded for an equivocating delegate, got %v", fm.preCommits)
	}
}

func TestAddBlockHeaderRejectsInvalidSchema(t *testing.T) {
	fm := NewFinalityManager(5, 0)
	if err := fm.AddBlockHeader(&BlockHeader{Height: 0, DelegatePublicKey: delegateKey(1)}); !IsInvalidHeaderSchema(err) {
		t.Fatalf("expected InvalidHeaderSchema, got %v", err)
	}
	if err := fm.AddBlockHeader(&BlockHeader{Height: 1}); !IsInvalidHeaderSchema(err) {
		t.Fatalf("expected InvalidHeaderSchema for empty delegate key, got %v", err)
	}
}

func TestRemoveBlockHeadersThenRecomputeClearsAboveHeight(t *testing.T) {
	fm := NewFinalityManager(3, 0)
	for height := uint64(1); height <= 9; height++ {
		delegate := int((height-1)%3) + 1
		var previouslyForged uint64
		if height > 3 {
			previouslyForged = height - 3
		}
		h := &BlockHeader{
			Height:                    height,
			DelegatePublicKey:         delegateKey(delegate),
			MaxHeightPreviouslyForged: previouslyForged,
			MaxHeightPrevoted:         fm.ChainMaxHeightPrevoted(),
		}
		if err := fm.AddBlockHeader(h); err != nil {
			t.Fatalf("height %d: unexpected error: %v", height, err)
		}
	}

	fm.RemoveBlockHeaders(5)

	for height := range fm.preVotes {
		if height > 5 {
			t.Fatalf("expected no pre-vote entries above height 5, found %d", height)
		}
	}
	for height := range fm.preCommits {
		if height > 5 {
			t.Fatalf("expected no pre-commit entries above height 5, found %d", height)
		}
	}
	if last, ok := fm.headers.Last(); !ok || last.Height != 5 {
		t.Fatalf("expected retained header tip at height 5, got %+v ok=%v", last, ok)
	}
}

func TestIsBFTProtocolCompliant(t *testing.T) {
	fm := NewFinalityManager(10, 0)
	if _, err := fm.IsBFTProtocolCompliant(nil); !IsArgumentMissing(err) {
		t.Fatalf("expected ArgumentMissing, got %v", err)
	}

	equivocating := &BlockHeader{Height: 100, MaxHeightPreviouslyForged: 150, DelegatePublicKey: delegateKey(1)}
	ok, err := fm.IsBFTProtocolCompliant(equivocating)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected non-compliant when maxHeightPreviouslyForged >= height")
	}

	compliant := &BlockHeader{Height: 100, MaxHeightPreviouslyForged: 1, DelegatePublicKey: delegateKey(1)}
	ok, err = fm.IsBFTProtocolCompliant(compliant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected compliant block with no conflicting prior forger to pass")
	}
}

func TestShrinkSignalFiresBelowTwoRounds(t *testing.T) {
	var gotRemaining, gotWant int
	fm := NewFinalityManager(5, 0, WithShrinkSignal(func(remaining, wantAtLeast int) {
		gotRemaining, gotWant = remaining, wantAtLeast
	}))
	for height := uint64(1); height <= 4; height++ {
		h := &BlockHeader{Height: height, DelegatePublicKey: delegateKey(int(height))}
		if err := fm.AddBlockHeader(h); err != nil {
			t.Fatalf("height %d: unexpected error: %v", height, err)
		}
	}
	fm.RemoveBlockHeaders(2)
	if gotWant != 10 {
		t.Fatalf("expected shrink signal to want at least 10 headers (2*activeDelegates), got %d", gotWant)
	}
	if gotRemaining != 2 {
		t.Fatalf("expected shrink signal to report 2 remaining headers, got %d", gotRemaining)
	}
}

func TestFinalityChangedSignalFires(t *testing.T) {
	const activeDelegates = 4
	var changed []uint64
	fm := NewFinalityManager(activeDelegates, 0, WithFinalityChanged(func(height uint64) {
		changed = append(changed, height)
	}))

	for height := uint64(1); height <= 20; height++ {
		delegate := int((height-1)%activeDelegates) + 1
		var previouslyForged uint64
		if height > activeDelegates {
			previouslyForged = height - activeDelegates
		}
		h := &BlockHeader{
			Height:                    height,
			DelegatePublicKey:         delegateKey(delegate),
			MaxHeightPreviouslyForged: previouslyForged,
			MaxHeightPrevoted:         fm.ChainMaxHeightPrevoted(),
		}
		if err := fm.AddBlockHeader(h); err != nil {
			t.Fatalf("height %d: unexpected error: %v", height, err)
		}
	}

	if len(changed) == 0 {
		t.Fatalf("expected at least one FinalityChanged signal over 20 headers with D=%d", activeDelegates)
	}
	for i := 1; i < len(changed); i++ {
		if changed[i] <= changed[i-1] {
			t.Fatalf("expected strictly increasing FinalityChanged heights, got %v", changed)
		}
	}
}
