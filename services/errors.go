package services

import (
	"errors"
	"fmt"

	"feedback-mailer/database"
)

var (
	ErrEmptyContent      = errors.New("feedback content must not be empty")
	ErrMissingAnswerText = errors.New("answer text is required when an answer is indicated")
	ErrInvalidStatus     = errors.New("invalid feedback status")
	ErrInvalidRetention  = errors.New("retention period must be at least one day")

	ErrNotOwner        = errors.New("feedback belongs to another user")
	ErrNotAdmin        = errors.New("administrator privileges required")
	ErrAddressNotOwned = errors.New("address does not belong to the user")

	ErrNotFound        = errors.New("feedback not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrLogNotFound     = errors.New("notification log not found")
	ErrQuotaExceeded   = errors.New("daily feedback quota exceeded")
	ErrNotEditable     = errors.New("feedback can only be edited while new")
	ErrNoAddress       = errors.New("user has no email address on file")
	ErrBatchInProgress = errors.New("a reminder batch is already running")

	ErrDeliveryFailed   = errors.New("notification delivery failed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindQuota
	KindConflict
	KindDelivery
	KindStoreUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindQuota:
		return "quota_exceeded"
	case KindConflict:
		return "conflict"
	case KindDelivery:
		return "delivery_failed"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrEmptyContent, KindValidation},
	{ErrMissingAnswerText, KindValidation},
	{ErrInvalidStatus, KindValidation},
	{ErrInvalidRetention, KindValidation},
	{ErrNotOwner, KindAuthorization},
	{ErrNotAdmin, KindAuthorization},
	{ErrAddressNotOwned, KindAuthorization},
	{ErrNotFound, KindNotFound},
	{ErrUserNotFound, KindNotFound},
	{ErrLogNotFound, KindNotFound},
	{ErrQuotaExceeded, KindQuota},
	{ErrNotEditable, KindConflict},
	{ErrNoAddress, KindConflict},
	{ErrBatchInProgress, KindConflict},
	{ErrDeliveryFailed, KindDelivery},
	{ErrStoreUnavailable, KindStoreUnavailable},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}

// DeliveryError reports a failed transmission that has already been logged.
type DeliveryError struct {
	Kind    database.NotificationKind
	Address string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s notification to %s failed: %v", e.Kind, e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDeliveryFailed) hold for every DeliveryError.
func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// storeErr passes domain errors through and marks anything else as a store
// failure.
func storeErr(err error) error {
	if err == nil || KindOf(err) != KindInternal {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// notFoundAs maps database.ErrNotFound to the given domain error.
func notFoundAs(err, domain error) error {
	if errors.Is(err, database.ErrNotFound) {
		return domain
	}
	return err
}
