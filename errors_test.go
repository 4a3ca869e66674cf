package ytingest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"ytingest/storage"
	"ytingest/youtube"
)

func TestIsQuotaExhausted(t *testing.T) {
	qe := &QuotaExhaustedError{Operation: "playlistItems.list", ResetAt: time.Now().Add(time.Hour)}
	wrapped := fmt.Errorf("syncing source: %w", qe)

	if !IsQuotaExhausted(wrapped) {
		t.Errorf("IsQuotaExhausted(%v) = false, want true", wrapped)
	}
	if IsQuotaExhausted(errors.New("other")) {
		t.Error("IsQuotaExhausted(other) = true, want false")
	}

	var got *QuotaExhaustedError
	if !errors.As(wrapped, &got) || got.Operation != "playlistItems.list" {
		t.Errorf("errors.As did not recover the quota error: %v", got)
	}
}

func TestSentinelAliases(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"resolution wraps not found", &youtube.ResolutionError{URL: "https://www.youtube.com/@x", Err: youtube.ErrChannelNotFound}, ErrChannelNotFound},
		{"storage not found", &storage.StorageError{Op: "read", Entity: "source", ID: "s1", Err: storage.ErrNotFound}, ErrNotFound},
		{"configuration", &ConfigurationError{Reason: "no primary key"}, ErrNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
		})
	}
}
