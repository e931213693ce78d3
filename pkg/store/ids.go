package store

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

const (
	// DefaultMaxInsertAttempts caps retries of inserts with generated identifiers
	DefaultMaxInsertAttempts = 5

	uniqueViolation = pq.ErrorCode("23505")

	constraintCustomerPK     = "customers_pkey"
	constraintCustomerWallet = "customers_wallet_address_key"
	constraintInvoiceNumber  = "billing_records_invoice_number_key"
)

// IsUniqueViolation reports whether err is a unique violation of the named
// constraint. An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// insertWithRetry runs insert until it succeeds, fails with anything other
// than a violation of constraint, or maxAttempts collisions happen.
func insertWithRetry(maxAttempts int, constraint string, insert func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxInsertAttempts
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := insert(attempt)
		if err == nil {
			return nil
		}
		if !IsUniqueViolation(err, constraint) {
			return err
		}
	}
	return fmt.Errorf("%w: %s collided %d times", billing.ErrIDSpaceExhausted, constraint, maxAttempts)
}

// IDGenerator produces candidate identifiers
type IDGenerator interface {
	CustomerID() int64
	InvoiceNumber(at time.Time) string
}

// RandomIDs draws identifiers from crypto/rand
type RandomIDs struct{}

// CustomerID returns a random positive 63-bit id
func (RandomIDs) CustomerID() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	id := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	if id == 0 {
		return 1
	}
	return id
}

// InvoiceNumber returns INV-YYYYMM-NNNNNN
func (RandomIDs) InvoiceNumber(at time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("INV-%s-%06d", at.UTC().Format("200601"), n.Int64())
}
