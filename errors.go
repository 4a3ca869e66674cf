package ytingest

import (
	"errors"

	"ytingest/fallback"
	"ytingest/storage"
	"ytingest/youtube"
)

// Type aliases for convenient error handling.
type (
	// QuotaExhaustedError reports that every API key is out of quota.
	QuotaExhaustedError = fallback.QuotaExhaustedError
	// ConfigurationError reports a client that cannot run, such as one
	// without a primary key.
	ConfigurationError = fallback.ConfigurationError
	// ResolutionError wraps a failure to turn a channel URL into a channel ID.
	ResolutionError = youtube.ResolutionError
	// StorageError wraps errors during storage operations.
	StorageError = storage.StorageError
)

// Sentinel errors exported from sub-packages.
var (
	// ErrQuotaExhausted matches any *QuotaExhaustedError.
	ErrQuotaExhausted = fallback.ErrQuotaExhausted
	// ErrNotConfigured matches any *ConfigurationError.
	ErrNotConfigured = fallback.ErrNotConfigured

	// ErrChannelNotFound indicates the YouTube channel does not exist.
	ErrChannelNotFound = youtube.ErrChannelNotFound
	// ErrInvalidURL indicates the channel URL could not be parsed.
	ErrInvalidURL = youtube.ErrInvalidURL
	// ErrNoUploads indicates the channel has no uploads playlist.
	ErrNoUploads = youtube.ErrNoUploads

	// ErrNotFound indicates an entity was not found in storage.
	ErrNotFound = storage.ErrNotFound
	// ErrAlreadyExists indicates an entity already exists in storage.
	ErrAlreadyExists = storage.ErrAlreadyExists
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = storage.ErrInvalidInput
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = storage.ErrLockTimeout
)

// IsQuotaExhausted reports whether err means every API key is out of quota.
func IsQuotaExhausted(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}
