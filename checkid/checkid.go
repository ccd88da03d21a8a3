// Package checkid derives and validates the ledger identifier of a Check
// object.
//
// A Check's identifier is SHA-512Half over the Check ledger-space prefix,
// the creating account's 160-bit ID and the big-endian sequence number of
// the CheckCreate transaction.
package checkid

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/arkantrust/donation-settlement/apperr"
)

// checkSpace is the ledger-space key for Check entries ('C').
var checkSpace = [2]byte{0x00, 0x43}

// Both errors are also apperr.InvalidInput.
var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidSequence = errors.New("invalid sequence")
)

// Validation messages reported by Validate.
const (
	MsgRequired = "CheckID is required"
	MsgLength   = "CheckID must be 64 characters"
	MsgHex      = "CheckID must be a hex string"
)

var hexChars = regexp.MustCompile(`^[0-9A-Fa-f]*$`)

// Generate returns the uppercase hex identifier of the Check created by
// account with the given transaction sequence.
func Generate(account string, sequence int64) (string, error) {
	if sequence < 0 || sequence > math.MaxUint32 {
		return "", &apperr.Error{
			Kind: apperr.InvalidInput,
			Op:   "checkid.Generate",
			Err:  fmt.Errorf("%w: %d does not fit in 32 bits", ErrInvalidSequence, sequence),
		}
	}
	accountID, err := DecodeAddress(account)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(checkSpace)+len(accountID)+4)
	buf = append(buf, checkSpace[:]...)
	buf = append(buf, accountID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(sequence))

	sum := sha512.Sum512(buf)
	return strings.ToUpper(hex.EncodeToString(sum[:32])), nil
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks value against every rule independently and reports all
// rules it breaks. It never fails.
func Validate(value string) Result {
	errs := []string{}
	if value == "" {
		errs = append(errs, MsgRequired)
	}
	if len(value) != 64 {
		errs = append(errs, MsgLength)
	}
	if !hexChars.MatchString(value) {
		errs = append(errs, MsgHex)
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func invalidAddress(address, reason string) error {
	return &apperr.Error{
		Kind: apperr.InvalidInput,
		Op:   "checkid.DecodeAddress",
		Err:  fmt.Errorf("%w %q: %s", ErrInvalidAddress, address, reason),
	}
}
