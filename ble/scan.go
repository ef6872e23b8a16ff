package ble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
	return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and pass every advertisement found to onDevice,
// duplicates included, until ctx is done.
func (h *Handle) ScanAll(ctx context.Context, onDevice func(Advertisement)) error {
	if err := h.dev.Scan(ctx, true, onDevice); err != nil {
		return fmt.Errorf("failed to initiate scan: %w", err)
	}

	return nil
}
