package codec

import (
	"fmt"
	"math/bits"
)

// PlatformFeeBps is the marketplace fee applied on release: 1% of the reward.
const PlatformFeeBps uint32 = 100

// MaxFeeBps caps configurable fee rates at 100%.
const MaxFeeBps uint32 = 10_000

// SplitFee divides a reward between worker and platform. The fee is
// floor(amount * feeBps / 10000) computed through a 128-bit intermediate so
// no amount can overflow, and the division remainder goes to the worker:
// worker + fee == amount holds for every input. Rounding in the worker's
// favour is the documented rule; value is never lost to neither party.
func SplitFee(amount uint64, feeBps uint32) (worker, fee uint64, err error) {
	if feeBps > MaxFeeBps {
		return 0, 0, fmt.Errorf("codec: fee bps %d out of range", feeBps)
	}
	hi, lo := bits.Mul64(amount, uint64(feeBps))
	fee, _ = bits.Div64(hi, lo, uint64(MaxFeeBps))
	worker = amount - fee
	return worker, fee, nil
}
