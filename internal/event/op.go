package event

import "fmt"

// Op discriminates kernel commands.
type Op int32

const (
	OpUnknown Op = iota
	OpDeposit
	OpWithdraw
	OpClaimYield
	OpRollYield
	OpSettle
	OpAccrueFee
	OpCollectFee
	OpAccrueActiveCredit
	OpEncumber
	OpUnencumber
	OpReleaseOfferEscrow
	OpEncumberIndex
	OpUnencumberIndex
	OpBorrow
	OpRepay
	OpEnforceMaintenance
	OpPayMaintenance
)

var opNames = map[Op]string{
	OpDeposit:            "deposit",
	OpWithdraw:           "withdraw",
	OpClaimYield:         "claim_yield",
	OpRollYield:          "roll_yield",
	OpSettle:             "settle",
	OpAccrueFee:          "accrue_fee",
	OpCollectFee:         "collect_fee",
	OpAccrueActiveCredit: "accrue_active_credit",
	OpEncumber:           "encumber",
	OpUnencumber:         "unencumber",
	OpReleaseOfferEscrow: "release_offer_escrow",
	OpEncumberIndex:      "encumber_index",
	OpUnencumberIndex:    "unencumber_index",
	OpBorrow:             "borrow",
	OpRepay:              "repay",
	OpEnforceMaintenance: "enforce_maintenance",
	OpPayMaintenance:     "pay_maintenance",
}

// Ops lists every known op in declaration order.
func Ops() []Op {
	ops := make([]Op, 0, len(opNames))
	for op := OpDeposit; op <= OpPayMaintenance; op++ {
		ops = append(ops, op)
	}
	return ops
}

// String returns the subject token for the op.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	return OpUnknown, fmt.Errorf("unknown op: %q", s)
}

// NeedsPosition reports whether the op acts on a single position.
func (o Op) NeedsPosition() bool {
	switch o {
	case OpAccrueFee, OpCollectFee, OpAccrueActiveCredit, OpEnforceMaintenance, OpPayMaintenance:
		return false
	default:
		return true
	}
}

// NeedsAmount reports whether the op requires a positive amount.
func (o Op) NeedsAmount() bool {
	switch o {
	case OpClaimYield, OpRollYield, OpSettle, OpEnforceMaintenance, OpPayMaintenance:
		return false
	default:
		return true
	}
}
