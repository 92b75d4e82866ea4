// internal/math/maintenance.go
package math

import (
	"github.com/holiman/uint256"
)

// ComputeMaintenanceAccrual returns the AUM fee owed for whole-day epochs:
//
//	totalDeposits * rateBps * epochs / (365 * 10_000)
func ComputeMaintenanceAccrual(totalDeposits *uint256.Int, rateBps uint64, epochs uint64) *uint256.Int {
	if totalDeposits == nil || totalDeposits.IsZero() || rateBps == 0 || epochs == 0 {
		return new(uint256.Int)
	}

	numerator := new(uint256.Int).Mul(uint256.NewInt(rateBps), uint256.NewInt(epochs))
	denominator := uint256.NewInt(DaysPerYear * BasisPoints)

	return MulDiv(totalDeposits, numerator, denominator)
}

// ElapsedEpochs returns the number of whole days between lastEpoch (a day
// number) and now (unix seconds), plus the day number of now.
func ElapsedEpochs(lastEpoch uint64, now uint64) (epochs uint64, currentEpoch uint64) {
	currentEpoch = now / SecondsPerDay
	if currentEpoch <= lastEpoch {
		return 0, lastEpoch
	}
	return currentEpoch - lastEpoch, currentEpoch
}
