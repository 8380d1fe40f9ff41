// Package errors defines the closed set of failure codes surfaced by the
// bidding engine and the helpers used to classify them.
//
// Infrastructure errors are marked (not replaced) so the original cause stays
// in the chain. Always test marked errors with Is from this package, which
// understands both standard wrapping and marks.
package errors

import (
	"errors"

	cr "github.com/cockroachdb/errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Retryable infrastructure failures.
var (
	ErrLockUnavailable  = errors.New("lock unavailable")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Business rejections. Terminal for the attempt and reported to the bidder only.
var (
	ErrNotFound      = errors.New("auction not found")
	ErrAuctionClosed = errors.New("auction closed")
	ErrBidTooLow     = errors.New("bid must be higher than the current price")
	ErrSelfBid       = errors.New("seller cannot bid on own auction")
)

// Race and consistency failures. The processor retries these a bounded
// number of times before surfacing them as transient.
var (
	ErrConflict    = errors.New("concurrent modification")
	ErrLockExpired = errors.New("lock expired before commit")
)

// Auction management failures.
var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidAuction = errors.New("invalid auction")
	ErrHasBids        = errors.New("auction has bids")
)

// Code is the stable identifier of a failure class.
type Code string

const (
	CodeOK               Code = ""
	CodeLockUnavailable  Code = "LOCK_UNAVAILABLE"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAuctionClosed    Code = "AUCTION_CLOSED"
	CodeBidTooLow        Code = "BID_TOO_LOW"
	CodeSelfBid          Code = "SELF_BID"
	CodeConflict         Code = "CONFLICT"
	CodeLockExpired      Code = "LOCK_EXPIRED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalidAuction   Code = "INVALID_AUCTION"
	CodeHasBids          Code = "HAS_BIDS"
	CodeInternal         Code = "INTERNAL"
)

// ordered so that the most specific class wins when several marks apply.
var codes = []struct {
	err  error
	code Code
}{
	{ErrLockExpired, CodeLockExpired},
	{ErrConflict, CodeConflict},
	{ErrNotFound, CodeNotFound},
	{ErrAuctionClosed, CodeAuctionClosed},
	{ErrBidTooLow, CodeBidTooLow},
	{ErrSelfBid, CodeSelfBid},
	{ErrForbidden, CodeForbidden},
	{ErrInvalidAuction, CodeInvalidAuction},
	{ErrHasBids, CodeHasBids},
	{ErrLockUnavailable, CodeLockUnavailable},
	{ErrStoreUnavailable, CodeStoreUnavailable},
}

// Mark attaches mark to err so that Is(err, mark) holds while keeping err's
// own chain intact. A nil err yields mark itself.
func Mark(err, mark error) error {
	if err == nil {
		return mark
	}
	return cr.Mark(err, mark)
}

// Wrap annotates err with msg and a stack trace. It returns nil for nil errors.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

// Is reports whether err matches target through wrapping or marks.
func Is(err, target error) bool {
	return cr.Is(err, target)
}

// CodeOf returns the code for err, CodeOK for nil and CodeInternal when the
// error is not part of the taxonomy.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if cr.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeLockUnavailable, CodeStoreUnavailable, CodeConflict, CodeLockExpired:
		return true
	}
	return false
}

// IsRace reports whether err is a consistency race the processor may retry
// internally under a fresh lock.
func IsRace(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeLockExpired:
		return true
	}
	return false
}

// IsRejection reports whether err is a terminal business rejection.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeAuctionClosed, CodeBidTooLow, CodeSelfBid:
		return true
	}
	return false
}
