package calc

import (
	"fmt"
	"math/big"
)

// ValidatePositive rejects nil, zero and negative amounts.
func ValidatePositive(amount *big.Int, what string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid %s amount: must be positive", what)
	}
	return nil
}

// ValidateNonNegative rejects nil and negative amounts.
func ValidateNonNegative(amount *big.Int, what string) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid %s amount: cannot be negative", what)
	}
	return nil
}

// ValidateBps rejects rates above 100%.
func ValidateBps(bps uint64, what string) error {
	if bps > BpsDenominator {
		return fmt.Errorf("invalid %s: %d bps exceeds %d", what, bps, BpsDenominator)
	}
	return nil
}
