package checkid

import (
	"bytes"
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// xrplAlphabet is the ledger's base58 dictionary.
var xrplAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

// accountIDPrefix is the version byte of a classic account address.
const accountIDPrefix = 0x00

// DecodeAddress returns the 160-bit account ID encoded in a classic address.
// It fails with InvalidAddress when the string is not valid base58 for the
// ledger alphabet, has the wrong length or version, or fails its checksum.
func DecodeAddress(address string) ([20]byte, error) {
	var id [20]byte
	if address == "" {
		return id, invalidAddress(address, "empty address")
	}
	raw, err := base58.DecodeAlphabet(address, xrplAlphabet)
	if err != nil {
		return id, invalidAddress(address, "not base58")
	}
	if len(raw) != 25 {
		return id, invalidAddress(address, "wrong length")
	}
	if raw[0] != accountIDPrefix {
		return id, invalidAddress(address, "not an account address")
	}
	if !bytes.Equal(checksum(raw[:21]), raw[21:]) {
		return id, invalidAddress(address, "checksum mismatch")
	}
	copy(id[:], raw[1:21])
	return id, nil
}

// ValidAddress reports whether address decodes as a classic account address.
func ValidAddress(address string) bool {
	_, err := DecodeAddress(address)
	return err == nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
