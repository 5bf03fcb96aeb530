package wastecal

import (
	"errors"
	"fmt"
)

var (
	ErrAddressNotFound = errors.New("address not found")
	ErrInvalidConfig   = errors.New("invalid config")
)

// DownloadError reports a transport or HTTP level failure while fetching a feed.
type DownloadError struct {
	AddressKey int64
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download feed for address %d: http status %d", e.AddressKey, e.StatusCode)
	}
	return fmt.Sprintf("download feed for address %d: %v", e.AddressKey, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ParsingError reports a document that is not a calendar at all.
// Broken single entries are skipped and never surface as ParsingError.
type ParsingError struct {
	Err error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("parse feed: %v", e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. The core never retries these.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsRetryable reports whether err is a feed failure the synchronizer retries.
func IsRetryable(err error) bool {
	var de *DownloadError
	var pe *ParsingError
	return errors.As(err, &de) || errors.As(err, &pe)
}
