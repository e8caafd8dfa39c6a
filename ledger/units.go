package ledger

import "math/big"

// The POS credit token carries 18 decimals while gateway amounts are
// expressed in minor currency units (two decimal places). One minor unit
// therefore corresponds to 10^16 wei.
var minorUnitWei = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)

// MinorToWei converts a gateway amount in minor units to token wei.
func MinorToWei(minor *big.Int) *big.Int {
	if minor == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(minor, minorUnitWei)
}

// WeiToMinor converts token wei to minor currency units. The second
// return reports whether the conversion was exact; an inexact amount can
// never match a settlement record and will fail correlation downstream.
func WeiToMinor(wei *big.Int) (*big.Int, bool) {
	if wei == nil {
		return new(big.Int), true
	}
	minor, rem := new(big.Int).QuoRem(wei, minorUnitWei, new(big.Int))
	return minor, rem.Sign() == 0
}
