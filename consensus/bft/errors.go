package bft

import "errors"

// Sentinel errors for the BFT finality core, following the same
// errors.New-plus-predicate idiom used throughout the p2p package.
var (
	ErrInvalidHeaderSchema = errors.New("bft: invalid header schema")
	ErrForkChoiceViolation = errors.New("bft: fork choice violation")
	ErrChainDisjoint       = errors.New("bft: chain disjoint")
	ErrLowerChainBranch    = errors.New("bft: lower chain branch")
	ErrInvalidAttribute    = errors.New("bft: invalid attribute")
	ErrArgumentMissing     = errors.New("bft: argument missing")
)

// IsInvalidHeaderSchema reports whether err rejects a header on schema grounds.
func IsInvalidHeaderSchema(err error) bool { return errors.Is(err, ErrInvalidHeaderSchema) }

// IsForkChoiceViolation reports whether err flags same-delegate equivocation.
func IsForkChoiceViolation(err error) bool { return errors.Is(err, ErrForkChoiceViolation) }

// IsChainDisjoint reports whether err flags a forge-chain gap violation.
func IsChainDisjoint(err error) bool { return errors.Is(err, ErrChainDisjoint) }

// IsLowerChainBranch reports whether err flags a retreating prevote claim.
func IsLowerChainBranch(err error) bool { return errors.Is(err, ErrLowerChainBranch) }

// IsInvalidAttribute reports whether err flags a maxHeightPrevoted mismatch.
func IsInvalidAttribute(err error) bool { return errors.Is(err, ErrInvalidAttribute) }

// IsArgumentMissing reports whether err flags a missing required argument.
func IsArgumentMissing(err error) bool { return errors.Is(err, ErrArgumentMissing) }
