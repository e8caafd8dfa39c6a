package bridge

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// MerchantKey canonicalises a retailer identifier to the bytes32 merchant
// id used on-chain: 32-byte hex input is taken verbatim, anything else is
// keccak-hashed the way the contract derives it.
func MerchantKey(merchantID string) [32]byte {
	trimmed := strings.TrimSpace(merchantID)
	if cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X"); len(cleaned) == 64 {
		if raw, err := hex.DecodeString(cleaned); err == nil {
			var out [32]byte
			copy(out[:], raw)
			return out
		}
	}
	return [32]byte(crypto.Keccak256Hash([]byte(trimmed)))
}

// MerchantKeyHex returns the canonical hex form of a merchant id, or the
// empty string when no id was supplied. Both transports' merchant hints
// are reduced to this form before comparison.
func MerchantKeyHex(merchantID string) string {
	if strings.TrimSpace(merchantID) == "" {
		return ""
	}
	key := MerchantKey(merchantID)
	return "0x" + hex.EncodeToString(key[:])
}
