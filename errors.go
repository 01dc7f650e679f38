package carelog

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the carelog package.
var (
	// ErrClosed is returned when operations are attempted on a closed replica.
	ErrClosed = errors.New("replica is closed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDecryptionFailure is returned when a sealed payload cannot be opened.
	// It is never conflated with ErrNotFound: the record exists but its
	// ciphertext failed authentication or the key is wrong.
	ErrDecryptionFailure = errors.New("payload decryption failed")

	// ErrIOFailure is returned when the backing store fails.
	ErrIOFailure = errors.New("storage I/O failure")

	// ErrNetworkTimeout is returned when a sync network phase times out.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrProtocolViolation is returned on a malformed sync message.
	ErrProtocolViolation = errors.New("sync protocol violation")

	// ErrPeerVersionMismatch is returned when peers speak incompatible
	// protocol versions.
	ErrPeerVersionMismatch = errors.New("peer protocol version mismatch")

	// ErrPolicyMissing is returned when no merge policy is configured for a
	// field and no default is set. Resolution fails loud rather than guessing.
	ErrPolicyMissing = errors.New("merge policy missing")

	// ErrChainTampered is returned when audit chain verification fails.
	// Further appends to the chain are refused once this is detected.
	ErrChainTampered = errors.New("audit chain tampered")

	// ErrAuditAppend is returned when an audit entry cannot be persisted.
	// The triggering data operation must not be considered committed.
	ErrAuditAppend = errors.New("audit append failed")

	// ErrNotConcurrent is returned when Resolve is invoked on a record pair
	// where one version dominates the other.
	ErrNotConcurrent = errors.New("records are not concurrent")

	// ErrSessionActive is returned when a second sync session to the same
	// peer is attempted while one is already running.
	ErrSessionActive = errors.New("sync session already active for peer")
)

// StoreErrorType categorizes record store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeNotFound indicates the record does not exist.
	StoreErrorTypeNotFound
	// StoreErrorTypeIO indicates a backend read or write failure.
	StoreErrorTypeIO
	// StoreErrorTypeDecryption indicates a sealed payload failed to open.
	StoreErrorTypeDecryption
)

// StoreError provides detailed information about record store failures.
type StoreError struct {
	Type     StoreErrorType
	RecordID string
	Message  string
	Cause    error
}

func (e *StoreError) Error() string {
	if e.RecordID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [record %s]: %v", e.Message, e.RecordID, e.Cause)
		}
		return fmt.Sprintf("%s [record %s]", e.Message, e.RecordID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	switch e.Type {
	case StoreErrorTypeNotFound:
		return target == ErrNotFound
	case StoreErrorTypeIO:
		return target == ErrIOFailure
	case StoreErrorTypeDecryption:
		return target == ErrDecryptionFailure
	}
	return false
}

func newStoreError(errType StoreErrorType, message, recordID string, cause error) *StoreError {
	return &StoreError{
		Type:     errType,
		RecordID: recordID,
		Message:  message,
		Cause:    cause,
	}
}

// SyncErrorType categorizes sync protocol errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified sync error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeTimeout indicates the network phase timed out.
	SyncErrorTypeTimeout
	// SyncErrorTypeProtocol indicates a malformed or unexpected message.
	SyncErrorTypeProtocol
	// SyncErrorTypeVersionMismatch indicates incompatible peer versions.
	SyncErrorTypeVersionMismatch
	// SyncErrorTypeNetwork indicates the connection dropped or failed.
	SyncErrorTypeNetwork
)

// SyncError provides detailed information about sync session failures.
type SyncError struct {
	Type    SyncErrorType
	PeerID  string
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.PeerID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [peer %s]: %v", e.Message, e.PeerID, e.Cause)
		}
		return fmt.Sprintf("%s [peer %s]", e.Message, e.PeerID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeTimeout:
		return target == ErrNetworkTimeout
	case SyncErrorTypeProtocol:
		return target == ErrProtocolViolation
	case SyncErrorTypeVersionMismatch:
		return target == ErrPeerVersionMismatch
	case SyncErrorTypeNetwork:
		return target == ErrNetworkTimeout
	}
	return false
}

func newSyncError(errType SyncErrorType, message, peerID string, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		PeerID:  peerID,
		Message: message,
		Cause:   cause,
	}
}

// ConflictError reports a failure during conflict resolution, most commonly a
// field with no configured merge policy.
type ConflictError struct {
	RecordID string
	Field    string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s [record %s, field %q]", e.Message, e.RecordID, e.Field)
}

// Is implements error matching for ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrPolicyMissing
}

// AuditErrorType categorizes audit chain errors.
type AuditErrorType int

const (
	// AuditErrorTypeUnknown is an unclassified audit error.
	AuditErrorTypeUnknown AuditErrorType = iota
	// AuditErrorTypeTampered indicates chain verification failed.
	AuditErrorTypeTampered
	// AuditErrorTypeAppend indicates a persistence failure on append.
	AuditErrorTypeAppend
)

// AuditError provides detailed information about audit chain failures.
type AuditError struct {
	Type    AuditErrorType
	Seq     uint64
	Message string
	Cause   error
}

func (e *AuditError) Error() string {
	if e.Seq > 0 {
		if e.Cause != nil {
			return fmt.Sprintf("%s [seq %d]: %v", e.Message, e.Seq, e.Cause)
		}
		return fmt.Sprintf("%s [seq %d]", e.Message, e.Seq)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AuditError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for AuditError.
func (e *AuditError) Is(target error) bool {
	switch e.Type {
	case AuditErrorTypeTampered:
		return target == ErrChainTampered
	case AuditErrorTypeAppend:
		return target == ErrAuditAppend
	}
	return false
}

func newAuditError(errType AuditErrorType, message string, seq uint64, cause error) *AuditError {
	return &AuditError{
		Type:    errType,
		Seq:     seq,
		Message: message,
		Cause:   cause,
	}
}
