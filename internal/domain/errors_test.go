package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("login", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("login", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})

	t.Run("wrapped sentinel", func(t *testing.T) {
		err := NewNetworkError("dial", fmt.Errorf("%w: refused", ErrConnectionFailed))
		if !errors.Is(err, ErrConnectionFailed) {
			t.Error("Expected ErrConnectionFailed to be reachable through NetworkError")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "okx.api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [okx.api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestStateError(t *testing.T) {
	err := NewStateError("subscribe", StateDisconnected)

	if !errors.Is(err, ErrInvalidState) {
		t.Error("StateError should unwrap to ErrInvalidState")
	}

	expected := "subscribe: invalid state Disconnected"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}

	var se *StateError
	if !errors.As(fmt.Errorf("adapter: %w", err), &se) {
		t.Fatal("errors.As should find the StateError")
	}
	if se.Op != "subscribe" {
		t.Errorf("Op = %q, want subscribe", se.Op)
	}
}
