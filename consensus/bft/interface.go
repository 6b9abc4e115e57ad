package bft

// ChainStateStore is the persistence collaborator FinalityManager relies on
// for surviving restarts. Only the finalizedHeight side is implemented in
// this repository (LevelDBFinalityStore); LoadHeaders is sketched for a
// caller that owns full chain storage and wants to refill the header
// window after a shrink signal.
type ChainStateStore interface {
	LoadHeaders(fromHeight, tillHeight uint64) ([]*BlockHeader, error)
	LoadFinalizedHeight() (uint64, error)
	PersistFinalizedHeight(height uint64) error
}

// DelegateScheduler is the DPoS round-scheduling collaborator. FinalityManager
// never calls it directly; callers use it to populate
// BlockHeader.DelegateMinHeightActive before calling AddBlockHeader.
type DelegateScheduler interface {
	MinActiveHeightsOf(delegatePublicKey []byte) ([]uint64, error)
}

// FinalityChangedFunc is the synchronous signal FinalityManager delivers
// before AddBlockHeader returns, whenever finalizedHeight advances.
type FinalityChangedFunc func(newFinalizedHeight uint64)

// ShrinkSignalFunc is delivered when RemoveBlockHeaders leaves the header
// window smaller than two rounds (2*activeDelegates), inviting the caller
// to refill from storage via ChainStateStore.LoadHeaders.
type ShrinkSignalFunc func(remaining int, wantAtLeast int)
