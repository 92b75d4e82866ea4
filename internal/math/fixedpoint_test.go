package math_test

import (
	fpmath "EqualisLedger/internal/math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestAccrueIndex_ExactDivision(t *testing.T) {
	step := fpmath.AccrueIndex(u(100), fpmath.Zero(), u(1000))

	// 100 * 1e18 / 1000 = 1e17
	require.Equal(t, u(100_000_000_000_000_000), step.Delta)
	require.True(t, step.Remainder.IsZero())
}

func TestAccrueIndex_CarriesRemainder(t *testing.T) {
	// 1e18 / 3 leaves remainder 1.
	step := fpmath.AccrueIndex(u(1), fpmath.Zero(), u(3))
	require.Equal(t, u(333_333_333_333_333_333), step.Delta)
	require.Equal(t, u(1), step.Remainder)

	// Two more accruals of the same amount reach an exact total of 1e18.
	total := new(uint256.Int).Set(step.Delta)
	rem := step.Remainder
	for i := 0; i < 2; i++ {
		next := fpmath.AccrueIndex(u(1), rem, u(3))
		total.Add(total, next.Delta)
		rem = next.Remainder
	}
	require.Equal(t, u(1_000_000_000_000_000_000), total)
	require.True(t, rem.IsZero())
}

func TestAccrueIndex_ZeroDeltaKeepsWholeDividend(t *testing.T) {
	// A base larger than amount*1e18 produces no index movement.
	base := new(uint256.Int).Mul(u(fpmath.WadUint64), u(10))
	step := fpmath.AccrueIndex(u(1), u(5), base)

	require.True(t, step.Delta.IsZero())
	require.Equal(t, u(fpmath.WadUint64+5), step.Remainder)
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	require.True(t, fpmath.MulDiv(u(10), u(10), fpmath.Zero()).IsZero())
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^50) / 2^60 = 2^190, which overflows a naive 256-bit product.
	a := new(uint256.Int).Lsh(u(1), 200)
	b := new(uint256.Int).Lsh(u(1), 50)
	d := new(uint256.Int).Lsh(u(1), 60)

	want := new(uint256.Int).Lsh(u(1), 190)
	require.Equal(t, want, fpmath.MulDiv(a, b, d))
}

func TestSaturatingSub(t *testing.T) {
	require.Equal(t, u(600), fpmath.SaturatingSub(u(1000), u(400)))
	require.True(t, fpmath.SaturatingSub(u(1000), u(1200)).IsZero())
}

func TestComputeMaintenanceAccrual(t *testing.T) {
	// 3650 deposits at 100 bps for 10 days: 3650 * 100 * 10 / 3_650_000 = 1
	got := fpmath.ComputeMaintenanceAccrual(u(3650), 100, 10)
	require.Equal(t, u(1), got)

	require.True(t, fpmath.ComputeMaintenanceAccrual(u(3650), 0, 10).IsZero())
	require.True(t, fpmath.ComputeMaintenanceAccrual(fpmath.Zero(), 100, 10).IsZero())
}

func TestElapsedEpochs(t *testing.T) {
	epochs, current := fpmath.ElapsedEpochs(10, 12*fpmath.SecondsPerDay+5)
	require.Equal(t, uint64(2), epochs)
	require.Equal(t, uint64(12), current)

	epochs, current = fpmath.ElapsedEpochs(12, 12*fpmath.SecondsPerDay+5)
	require.Zero(t, epochs)
	require.Equal(t, uint64(12), current)
}
