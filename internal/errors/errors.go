package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
)

// ErrorCode represents a gtkrypt error code.
type ErrorCode string

const (
	ErrWrongPassphrase        ErrorCode = "WRONG_PASSPHRASE"        // exit 1
	ErrCorruptFile            ErrorCode = "CORRUPT_FILE"            // exit 2
	ErrUnsupportedVersion     ErrorCode = "UNSUPPORTED_VERSION"     // exit 2
	ErrPermissionDenied       ErrorCode = "PERMISSION_DENIED"       // exit 3
	ErrVaultLocked            ErrorCode = "VAULT_LOCKED"            // exit 10
	ErrVaultNotFound          ErrorCode = "VAULT_NOT_FOUND"         // exit 10
	ErrDuplicateVault         ErrorCode = "DUPLICATE_VAULT"         // exit 10
	ErrVaultCorrupt           ErrorCode = "VAULT_CORRUPT"           // exit 10
	ErrItemNotFound           ErrorCode = "ITEM_NOT_FOUND"          // exit 10
	ErrItemFileMissing        ErrorCode = "ITEM_FILE_MISSING"       // exit 10
	ErrConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION" // exit 10
	ErrCancelled              ErrorCode = "CANCELLED"               // exit 10, silent
	ErrInvalidRequest         ErrorCode = "INVALID_REQUEST"         // exit 10
	ErrTooManyAttempts        ErrorCode = "TOO_MANY_ATTEMPTS"       // exit 10
	ErrInternal               ErrorCode = "INTERNAL"                // exit 10
)

// Exit codes of the crypto-worker contract.
const (
	ExitOK         = 0
	ExitAuth       = 1
	ExitCorrupt    = 2
	ExitPermission = 3
	ExitInternal   = 10
)

// GtkryptError is the single error type returned across package boundaries.
// Message is safe to show to a user. Internal carries the diagnostic cause and
// must never contain a passphrase, key or plaintext.
type GtkryptError struct {
	Code     ErrorCode
	Message  string
	Internal string
	Details  map[string]any
}

// Error implements the error interface.
func (e *GtkryptError) Error() string {
	if e.Internal != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWrongPassphrase covers a bad passphrase, a wrong or missing keyfile and
// tampered ciphertext alike. They are deliberately indistinguishable.
func NewWrongPassphrase() *GtkryptError {
	return &GtkryptError{
		Code:    ErrWrongPassphrase,
		Message: "wrong passphrase or keyfile, or the file has been modified",
	}
}

// NewCorruptFile creates an error for a container header that cannot be parsed.
func NewCorruptFile(reason string) *GtkryptError {
	return &GtkryptError{
		Code:     ErrCorruptFile,
		Message:  "file is not a valid gtkrypt container or is damaged",
		Internal: reason,
	}
}

// NewUnsupportedVersion creates an error for a recognizable container of an unknown version.
func NewUnsupportedVersion(version int) *GtkryptError {
	return &GtkryptError{
		Code:    ErrUnsupportedVersion,
		Message: fmt.Sprintf("container version %d is not supported by this version of gtkrypt", version),
		Details: map[string]any{"version": version},
	}
}

// NewPermissionDenied creates an error for a filesystem write or chmod failure.
func NewPermissionDenied(path string, err error) *GtkryptError {
	return &GtkryptError{
		Code:     ErrPermissionDenied,
		Message:  fmt.Sprintf("permission denied: %s", path),
		Internal: causeOf(err),
		Details:  map[string]any{"path": path},
	}
}

// NewVaultLocked creates an error for operations that need an unlocked vault.
func NewVaultLocked() *GtkryptError {
	return &GtkryptError{
		Code:    ErrVaultLocked,
		Message: "vault is locked",
	}
}

// NewVaultNotFound creates an error for a vault name with no directory.
func NewVaultNotFound(name string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrVaultNotFound,
		Message: fmt.Sprintf("vault not found: %s", name),
		Details: map[string]any{"name": name},
	}
}

// NewDuplicateVault creates an error for a vault name collision.
func NewDuplicateVault(name string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrDuplicateVault,
		Message: fmt.Sprintf("a vault named %q already exists", name),
		Details: map[string]any{"name": name},
	}
}

// NewVaultCorrupt creates an error for a manifest that decrypts but cannot be interpreted.
func NewVaultCorrupt(reason string) *GtkryptError {
	return &GtkryptError{
		Code:     ErrVaultCorrupt,
		Message:  "vault data is damaged and cannot be read",
		Internal: reason,
	}
}

// NewItemNotFound creates an error for an id absent from the manifest.
func NewItemNotFound(id string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrItemNotFound,
		Message: fmt.Sprintf("item not found: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewItemFileMissing creates an error for a manifest item whose container is gone.
func NewItemFileMissing(id string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrItemFileMissing,
		Message: fmt.Sprintf("the encrypted file for item %s is missing", id),
		Details: map[string]any{"id": id},
	}
}

// NewConcurrentModification creates an error for a manifest changed by another writer.
func NewConcurrentModification(path string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrConcurrentModification,
		Message: "the vault was modified by another program; reopen it and try again",
		Details: map[string]any{"path": path},
	}
}

// NewCancelled creates a silent error for user-initiated cancellation.
func NewCancelled(op string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrCancelled,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewInvalidRequest creates an error for invalid caller input.
func NewInvalidRequest(msg string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrInvalidRequest,
		Message: msg,
	}
}

// NewTooManyAttempts creates an error when passphrase attempts are throttled.
func NewTooManyAttempts(name string) *GtkryptError {
	return &GtkryptError{
		Code:    ErrTooManyAttempts,
		Message: "too many attempts; wait a moment and try again",
		Details: map[string]any{"name": name},
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *GtkryptError {
	return &GtkryptError{
		Code:     ErrInternal,
		Message:  "internal error",
		Internal: causeOf(err),
	}
}

// FromFS classifies a filesystem error. Permission failures become
// PERMISSION_DENIED; everything else is internal.
func FromFS(path string, err error) error {
	if err == nil {
		return nil
	}
	var gErr *GtkryptError
	if stderrors.As(err, &gErr) {
		return gErr
	}
	if stderrors.Is(err, fs.ErrPermission) {
		return NewPermissionDenied(path, err)
	}
	return NewInternal(err)
}

// Is checks if err is, or wraps, a GtkryptError with the given code.
func Is(err error, code ErrorCode) bool {
	var gErr *GtkryptError
	if stderrors.As(err, &gErr) {
		return gErr.Code == code
	}
	return false
}

// CodeOf returns the code of err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var gErr *GtkryptError
	if stderrors.As(err, &gErr) {
		return gErr.Code
	}
	return ErrInternal
}

// ExitCode maps an error onto the crypto-worker exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case ErrWrongPassphrase:
		return ExitAuth
	case ErrCorruptFile, ErrUnsupportedVersion:
		return ExitCorrupt
	case ErrPermissionDenied:
		return ExitPermission
	default:
		return ExitInternal
	}
}

// UserMessage returns the display-safe message for err. Cancellation is
// silent and yields "".
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var gErr *GtkryptError
	if !stderrors.As(err, &gErr) {
		return "internal error"
	}
	if gErr.Code == ErrCancelled {
		return ""
	}
	return gErr.Message
}

func causeOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
