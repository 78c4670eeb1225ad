package id

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountPrefix starts every account ID.
const AccountPrefix = "SOVEREIGN-ID-"

const (
	accountSuffixLen = 6
	txnPrefix        = "TX-"
)

// NewAccountID returns an ID like "SOVEREIGN-ID-4F9KQ2".
func NewAccountID() string {
	u := uuid.New()
	n := binary.BigEndian.Uint64(u[:8])
	s := strings.ToUpper(strconv.FormatUint(n, 36))
	for len(s) < accountSuffixLen {
		s = "0" + s
	}
	return AccountPrefix + s[:accountSuffixLen]
}

// ValidAccountID reports whether s has the account ID shape.
func ValidAccountID(s string) bool {
	suffix, ok := strings.CutPrefix(s, AccountPrefix)
	if !ok || len(suffix) != accountSuffixLen {
		return false
	}
	for _, r := range suffix {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// NewIdempotencyKey returns a random request token.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// FormatTxnID returns a transaction ID like "TX-000001".
func FormatTxnID(seq int) string {
	return fmt.Sprintf("%s%06d", txnPrefix, seq)
}

// ParseTxnID parses "TX-000001" into its sequence number.
func ParseTxnID(s string) (int, error) {
	digits, ok := strings.CutPrefix(s, txnPrefix)
	if !ok {
		return 0, fmt.Errorf("invalid transaction ID format: %q", s)
	}
	seq, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence in transaction ID %q: %w", s, err)
	}
	if seq < 1 {
		return 0, fmt.Errorf("invalid sequence in transaction ID %q", s)
	}
	return seq, nil
}
