package bft

import (
	"log/slog"
	"sort"
	"sync"
)

// FinalityManager maintains per-delegate pre-vote/pre-commit counters over a
// bounded header window, derives chainMaxHeightPrevoted and finalizedHeight,
// and rejects headers that violate the forge-chain invariants. Every
// mutating method must be serialized by the caller (see SPEC_FULL.md §5);
// the internal mutex exists only so a careless caller cannot corrupt state
// across goroutines, matching the teacher's habit of guarding engine state
// with a mutex even when a single actor owns the mutations.
type FinalityManager struct {
	mu sync.Mutex

	activeDelegates      int
	preVoteThreshold     int
	preCommitThreshold   int
	processingThreshold  uint64
	maxHeaders           int

	headers                *HeaderList
	state                  map[string]*DelegateState
	preVotes               map[uint64]int
	preCommits             map[uint64]int
	chainMaxHeightPrevoted uint64
	finalizedHeight        uint64

	store   ChainStateStore
	logger  *slog.Logger
	metrics *finalityMetrics

	onFinalityChanged FinalityChangedFunc
	onShrink          ShrinkSignalFunc
}

// Option configures a FinalityManager at construction time.
type Option func(*FinalityManager)

// WithChainStateStore wires a persistence collaborator for finalizedHeight.
func WithChainStateStore(store ChainStateStore) Option {
	return func(fm *FinalityManager) { fm.store = store }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(fm *FinalityManager) {
		if logger != nil {
			fm.logger = logger
		}
	}
}

// WithFinalityChanged registers the synchronous signal delivered whenever
// finalizedHeight advances, before the mutating call returns.
func WithFinalityChanged(fn FinalityChangedFunc) Option {
	return func(fm *FinalityManager) { fm.onFinalityChanged = fn }
}

// WithShrinkSignal registers the callback fired when RemoveBlockHeaders
// leaves the header window below two rounds.
func WithShrinkSignal(fn ShrinkSignalFunc) Option {
	return func(fm *FinalityManager) { fm.onShrink = fn }
}

// NewFinalityManager builds a FinalityManager for a round of activeDelegates
// delegates, seeded with finalizedHeight (typically loaded from storage).
func NewFinalityManager(activeDelegates int, finalizedHeight uint64, opts ...Option) *FinalityManager {
	if activeDelegates <= 0 {
		activeDelegates = 1
	}
	threshold := ceilDiv(2*activeDelegates, 3)
	fm := &FinalityManager{
		activeDelegates:     activeDelegates,
		preVoteThreshold:    threshold,
		preCommitThreshold:  threshold,
		processingThreshold: uint64(3*activeDelegates - 1),
		maxHeaders:          5 * activeDelegates,
		headers:             NewHeaderList(5 * activeDelegates),
		state:               make(map[string]*DelegateState),
		preVotes:            make(map[uint64]int),
		preCommits:          make(map[uint64]int),
		finalizedHeight:     finalizedHeight,
		logger:              slog.Default(),
		metrics:             newFinalityMetrics(),
	}
	for _, opt := range opts {
		opt(fm)
	}
	return fm
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// FinalizedHeight returns the current finalized height.
func (fm *FinalityManager) FinalizedHeight() uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.finalizedHeight
}

// ChainMaxHeightPrevoted returns the current derived pre-voted tip.
func (fm *FinalityManager) ChainMaxHeightPrevoted() uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.chainMaxHeightPrevoted
}

// HeaderCount reports how many headers are currently retained.
func (fm *FinalityManager) HeaderCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.headers.Len()
}

// AddBlockHeader validates h against the current chain state and, if
// accepted, updates vote/commit tallies and the derived finality heights.
// Validation errors abort the call atomically: no state is mutated before
// every check has passed.
func (fm *FinalityManager) AddBlockHeader(h *BlockHeader) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if err := validateHeaderSchema(h); err != nil {
		fm.metrics.recordRejection("invalid_schema")
		return err
	}
	if err := fm.verifyBlockHeaders(h); err != nil {
		fm.metrics.recordRejection(rejectionReason(err))
		return err
	}

	fm.headers.Append(h)
	fm.updatePreVotesPreCommits(h)
	fm.updatePreVotedAndFinalizedHeight()
	fm.trim(h.Height)

	return nil
}

func rejectionReason(err error) string {
	switch {
	case IsForkChoiceViolation(err):
		return "fork_choice_violation"
	case IsChainDisjoint(err):
		return "chain_disjoint"
	case IsLowerChainBranch(err):
		return "lower_chain_branch"
	case IsInvalidAttribute(err):
		return "invalid_attribute"
	default:
		return "unknown"
	}
}

func validateHeaderSchema(h *BlockHeader) error {
	if h == nil {
		return ErrInvalidHeaderSchema
	}
	if h.Height == 0 {
		return ErrInvalidHeaderSchema
	}
	if len(h.DelegatePublicKey) == 0 {
		return ErrInvalidHeaderSchema
	}
	return nil
}

// verifyBlockHeaders implements SPEC_FULL.md §4.2.1 step 2.
func (fm *FinalityManager) verifyBlockHeaders(h *BlockHeader) error {
	if fm.headers.Len() >= int(fm.processingThreshold) && h.MaxHeightPrevoted != fm.chainMaxHeightPrevoted {
		return ErrInvalidAttribute
	}

	window := fm.headers.Top(int(fm.processingThreshold))
	var other *BlockHeader
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].delegateKey() == h.delegateKey() {
			other = window[i]
			break
		}
	}
	if other == nil {
		return nil
	}

	earlier, later := orderByForgeTuple(other, h)

	if earlier.MaxHeightPrevoted == later.MaxHeightPrevoted && earlier.Height >= later.Height {
		return ErrForkChoiceViolation
	}
	if earlier.Height > later.MaxHeightPreviouslyForged {
		return ErrChainDisjoint
	}
	if earlier.MaxHeightPrevoted > later.MaxHeightPrevoted {
		return ErrLowerChainBranch
	}
	return nil
}

// orderByForgeTuple orders a, b ascending by
// (maxHeightPreviouslyForged, maxHeightPrevoted, height).
func orderByForgeTuple(a, b *BlockHeader) (earlier, later *BlockHeader) {
	if forgeTupleLess(a, b) {
		return a, b
	}
	return b, a
}

func forgeTupleLess(a, b *BlockHeader) bool {
	if a.MaxHeightPreviouslyForged != b.MaxHeightPreviouslyForged {
		return a.MaxHeightPreviouslyForged < b.MaxHeightPreviouslyForged
	}
	if a.MaxHeightPrevoted != b.MaxHeightPrevoted {
		return a.MaxHeightPrevoted < b.MaxHeightPrevoted
	}
	return a.Height < b.Height
}

// updatePreVotesPreCommits implements SPEC_FULL.md §4.2.2. Pre-commits are
// evaluated first against the pre-vote tally already on record, then
// pre-votes are added for h — the order specified by the source contract.
func (fm *FinalityManager) updatePreVotesPreCommits(h *BlockHeader) {
	if h.MaxHeightPreviouslyForged >= h.Height {
		return
	}

	key := h.delegateKey()
	s, ok := fm.state[key]
	if !ok {
		s = &DelegateState{}
		fm.state[key] = s
	}

	minCommit := fm.minValidCommitHeight(h)

	commitLo := maxU64(h.DelegateMinHeightActive, minCommit, s.MaxPreCommitHeight+1)
	commitHi := h.Height - 1
	for j := commitLo; j <= commitHi; j++ {
		if fm.preVotes[j] >= fm.preVoteThreshold {
			fm.preCommits[j]++
			s.MaxPreCommitHeight = j
		}
	}

	voteLo := maxU64(h.DelegateMinHeightActive, h.MaxHeightPreviouslyForged+1, s.MaxPreVoteHeight+1, subFloor(h.Height, fm.processingThreshold))
	for j := voteLo; j <= h.Height; j++ {
		fm.preVotes[j]++
	}
	s.MaxPreVoteHeight = h.Height
}

// minValidCommitHeight walks the maxHeightPreviouslyForged chain backward
// from h to find the lowest height at which this delegate may legitimately
// pre-commit, per SPEC_FULL.md §4.2.2.
func (fm *FinalityManager) minValidCommitHeight(h *BlockHeader) uint64 {
	searchTill := maxU64(fm.headers.MinHeight(), subFloor(h.Height, fm.processingThreshold))
	needle := maxU64(h.MaxHeightPreviouslyForged, subFloor(h.Height, fm.processingThreshold))
	current := h

	for needle >= searchTill {
		if needle == current.MaxHeightPreviouslyForged {
			prev, ok := fm.headers.GetByHeight(needle)
			if !ok {
				return 0
			}
			if prev.delegateKey() != h.delegateKey() || prev.MaxHeightPreviouslyForged >= needle {
				return needle + 1
			}
			needle = prev.MaxHeightPreviouslyForged
			current = prev
			continue
		}
		if needle == 0 {
			break
		}
		needle--
	}
	return maxU64(needle+1, searchTill)
}

// updatePreVotedAndFinalizedHeight implements SPEC_FULL.md §4.2.3.
func (fm *FinalityManager) updatePreVotedAndFinalizedHeight() {
	if newTip, ok := highestHeightAtOrAbove(fm.preVotes, fm.preVoteThreshold); ok {
		fm.chainMaxHeightPrevoted = newTip
	}
	fm.metrics.observePrevoteHeight(fm.chainMaxHeightPrevoted)

	if newFinalized, ok := highestHeightAtOrAbove(fm.preCommits, fm.preCommitThreshold); ok && newFinalized > fm.finalizedHeight {
		fm.finalizedHeight = newFinalized
		if fm.store != nil {
			if err := fm.store.PersistFinalizedHeight(newFinalized); err != nil {
				fm.logger.Error("persist finalized height", slog.Any("error", err), slog.Uint64("height", newFinalized))
			}
		}
		fm.metrics.observeFinalizedHeight(newFinalized)
		if fm.onFinalityChanged != nil {
			fm.onFinalityChanged(newFinalized)
		}
	}
}

// highestHeightAtOrAbove scans tally by height descending and returns the
// first height whose count meets threshold.
func highestHeightAtOrAbove(tally map[uint64]int, threshold int) (uint64, bool) {
	if len(tally) == 0 {
		return 0, false
	}
	heights := make([]uint64, 0, len(tally))
	for h := range tally {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })
	for _, h := range heights {
		if tally[h] >= threshold {
			return h, true
		}
	}
	return 0, false
}

// trim keeps preVotes/preCommits within the last maxHeaders heights relative
// to the newest known header height.
func (fm *FinalityManager) trim(tipHeight uint64) {
	cutoff := subFloor(tipHeight, uint64(fm.maxHeaders))
	for h := range fm.preVotes {
		if h <= cutoff {
			delete(fm.preVotes, h)
		}
	}
	for h := range fm.preCommits {
		if h <= cutoff {
			delete(fm.preCommits, h)
		}
	}
}

// RemoveBlockHeaders discards every header strictly above aboveHeight, then
// replays vote/commit accounting for the remainder. finalizedHeight is left
// untouched — it is persisted and monotonic per SPEC_FULL.md §4.2.4.
func (fm *FinalityManager) RemoveBlockHeaders(aboveHeight uint64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.headers.RemoveAbove(aboveHeight)
	fm.recomputeLocked()

	minWindow := 2 * fm.activeDelegates
	if remaining := fm.headers.Len(); remaining < minWindow && fm.onShrink != nil {
		fm.onShrink(remaining, minWindow)
	}
}

// Recompute replays vote/commit accounting from the currently retained
// headers, e.g. after a caller refills the window via ChainStateStore.
func (fm *FinalityManager) Recompute() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.recomputeLocked()
}

func (fm *FinalityManager) recomputeLocked() {
	fm.state = make(map[string]*DelegateState)
	fm.preVotes = make(map[uint64]int)
	fm.preCommits = make(map[uint64]int)
	fm.chainMaxHeightPrevoted = 0

	for _, h := range fm.headers.All() {
		fm.updatePreVotesPreCommits(h)
		fm.updatePreVotedAndFinalizedHeight()
		fm.trim(h.Height)
	}
}

// IsBFTProtocolCompliant implements SPEC_FULL.md §4.2.5 for a newly
// proposed block that has not yet been appended.
func (fm *FinalityManager) IsBFTProtocolCompliant(block *BlockHeader) (bool, error) {
	if block == nil {
		return false, ErrArgumentMissing
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if block.MaxHeightPreviouslyForged >= block.Height {
		return false, nil
	}
	if block.Height-block.MaxHeightPreviouslyForged <= fm.processingThreshold+2 {
		if prev, ok := fm.headers.GetByHeight(block.MaxHeightPreviouslyForged); ok {
			if prev.delegateKey() != block.delegateKey() {
				return false, nil
			}
		}
	}
	return true, nil
}

func maxU64(values ...uint64) uint64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// subFloor returns a-b, floored at 0, avoiding uint64 underflow.
func subFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
