package ble

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Discover scans for IMBLE peripherals for up to timeout, or until ctx is
// done, and returns the peripherals found in discovery order.
func Discover(ctx context.Context, adapter Adapter, timeout time.Duration) ([]*Peripheral, error) {
	w := NewWatcher(adapter)
	defer w.Close()

	if err := w.Start(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	<-ctx.Done()

	// Running out the window is the normal end of a scan.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return w.Peripherals(), err
	}
	return w.Peripherals(), nil
}

// PairedDevices lists devices the OS has already paired that expose the
// IMBLE service, deduplicated by device id.
func PairedDevices(ctx context.Context, adapter Adapter) ([]DeviceInfo, error) {
	infos, err := adapter.PairedDevices(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: list paired devices: %w", err)
	}
	seen := make(map[string]struct{}, len(infos))
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		if _, dup := seen[info.ID]; dup {
			continue
		}
		seen[info.ID] = struct{}{}
		out = append(out, info)
	}
	return out, nil
}
