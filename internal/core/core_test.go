package core

import (
	"errors"
	"fmt"
	"testing"
)

// Test sentinel errors
func TestSentinelErrors(t *testing.T) {
	t.Run("ErrorMessages", func(t *testing.T) {
		tests := []struct {
			err     error
			message string
		}{
			{ErrInterfaceExists, "netmgr: interface already registered"},
			{ErrInterfaceNotFound, "netmgr: interface not found"},
			{ErrSocketNotFound, "netmgr: socket not found"},
			{ErrNoRoute, "netmgr: no route to address"},
			{ErrEgressFull, "netmgr: egress queue full"},
			{ErrMalformedMessage, "netmgr: malformed message"},
			{ErrConfigInvalid, "netmgr: invalid configuration"},
		}

		for _, tt := range tests {
			if tt.err.Error() != tt.message {
				t.Errorf("expected error message %q, got %q", tt.message, tt.err.Error())
			}
		}
	})

	t.Run("ErrorWrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("interface %q: %w", "eth0", ErrInterfaceNotFound)
		if !errors.Is(wrapped, ErrInterfaceNotFound) {
			t.Error("errors.Is failed for wrapped error")
		}
		if errors.Is(wrapped, ErrSocketNotFound) {
			t.Error("wrapped ErrInterfaceNotFound must not match ErrSocketNotFound")
		}
	})
}
