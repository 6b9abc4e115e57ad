package bft

// ForkChoice classifies newBlock against the current tip lastBlock. The
// evaluation order below is load-bearing: IDENTICAL must precede VALID to
// avoid double-counting the tip, and DOUBLE_FORGING must precede TIE_BREAK
// so that same-delegate equivocation is always flagged rather than treated
// as a tie.
func ForkChoice(newBlock, lastBlock *Block) (Verdict, error) {
	if newBlock == nil || lastBlock == nil {
		return Discard, ErrArgumentMissing
	}

	if newBlock.ID == lastBlock.ID {
		return Identical, nil
	}

	if newBlock.PreviousBlockID == lastBlock.ID && newBlock.Height == lastBlock.Height+1 {
		return Valid, nil
	}

	sameSlot := newBlock.Height == lastBlock.Height &&
		newBlock.MaxHeightPrevoted == lastBlock.MaxHeightPrevoted &&
		newBlock.PreviousBlockID == lastBlock.PreviousBlockID

	if sameSlot && newBlock.DelegatePublicKey == lastBlock.DelegatePublicKey {
		return DoubleForging, nil
	}

	if sameSlot && newBlock.DelegatePublicKey != lastBlock.DelegatePublicKey {
		if TieBreakWinner(newBlock, lastBlock) == newBlock {
			return TieBreak, nil
		}
		return Discard, nil
	}

	if newBlock.MaxHeightPrevoted > lastBlock.MaxHeightPrevoted ||
		(newBlock.Height > lastBlock.Height && newBlock.MaxHeightPrevoted == lastBlock.MaxHeightPrevoted) {
		return DifferentChain, nil
	}

	return Discard, nil
}

// TieBreakWinner decides which of two same-slot, different-delegate blocks
// should become the new tip. The block with the smaller receivedAt-timestamp
// lag wins; an exact tie is broken toward the new block, matching the
// source behavior this module was distilled from (DESIGN.md records this
// equal-lag choice).
func TieBreakWinner(newBlock, currentTip *Block) *Block {
	newLag := newBlock.ReceivedAt.Sub(newBlock.Timestamp)
	tipLag := currentTip.ReceivedAt.Sub(currentTip.Timestamp)
	if newLag <= tipLag {
		return newBlock
	}
	return currentTip
}
