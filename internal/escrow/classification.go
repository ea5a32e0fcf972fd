package escrow

import (
	"fmt"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/invoice"
)

// Classification is the reconciled relationship between the on-chain and
// off-chain records. Every value must be handled by callers; there is no
// zero value that means "fine".
type Classification int

const (
	// ClassNotCreatedOnchain: no on-chain invoice yet. Normal before the
	// first fund.
	ClassNotCreatedOnchain Classification = iota + 1
	// ClassConsistent: states agree (Created/sent, Funded/funded, Released/paid).
	ClassConsistent
	// ClassLagging: on-chain is ahead; Sync advances the off-chain status.
	ClassLagging
	// ClassSuspiciousFunded: Funded with a zero payer. Never releasable.
	ClassSuspiciousFunded
	// ClassSuspiciousReleased: Released while off-chain is not paid. Needs an
	// explicit release or transfer verification before marking paid.
	ClassSuspiciousReleased
	// ClassOffchainAhead: off-chain claims more progress than the chain.
	ClassOffchainAhead
	// ClassUnknownState: the contract returned a state integer outside 0..2.
	ClassUnknownState
)

func (c Classification) String() string {
	switch c {
	case ClassNotCreatedOnchain:
		return "NOT_CREATED_ONCHAIN"
	case ClassConsistent:
		return "CONSISTENT"
	case ClassLagging:
		return "LAGGING"
	case ClassSuspiciousFunded:
		return "SUSPICIOUS_FUNDED"
	case ClassSuspiciousReleased:
		return "SUSPICIOUS_RELEASED"
	case ClassOffchainAhead:
		return "OFFCHAIN_AHEAD"
	case ClassUnknownState:
		return "UNKNOWN_STATE"
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// MarshalText encodes the classification by name.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Suspicious reports whether the classification is a contract-bug shape that
// must not be written through automatically.
func (c Classification) Suspicious() bool {
	switch c {
	case ClassSuspiciousFunded, ClassSuspiciousReleased, ClassUnknownState:
		return true
	}
	return false
}

// Classify is total: every combination of on-chain record (nil when not
// created) and off-chain status maps to exactly one classification.
func Classify(onchain *chain.Invoice, status invoice.Status) Classification {
	if onchain == nil {
		return ClassNotCreatedOnchain
	}

	switch onchain.State {
	case chain.StateReleased:
		if status != invoice.StatusPaid {
			return ClassSuspiciousReleased
		}
	case chain.StateFunded:
		if !onchain.HasPayer() {
			return ClassSuspiciousFunded
		}
	case chain.StateCreated:
	default:
		return ClassUnknownState
	}

	onRank, offRank := stateRank(onchain.State), status.Rank()
	switch {
	case onRank == offRank:
		return ClassConsistent
	case onRank > offRank:
		return ClassLagging
	default:
		return ClassOffchainAhead
	}
}

func stateRank(s chain.State) int {
	switch s {
	case chain.StateCreated:
		return invoice.StatusSent.Rank()
	case chain.StateFunded:
		return invoice.StatusFunded.Rank()
	case chain.StateReleased:
		return invoice.StatusPaid.Rank()
	}
	return -1
}

// mirrorState maps a known chain state to the off-chain status and mirror.
func mirrorState(s chain.State) (invoice.Status, invoice.OnchainState, bool) {
	switch s {
	case chain.StateCreated:
		return invoice.StatusSent, invoice.OnchainCreated, true
	case chain.StateFunded:
		return invoice.StatusFunded, invoice.OnchainFunded, true
	case chain.StateReleased:
		return invoice.StatusPaid, invoice.OnchainPaid, true
	}
	return "", "", false
}
