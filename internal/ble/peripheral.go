package ble

import (
	"context"
	"fmt"
)

// Peripheral is an advertising IMBLE device that has not been connected.
// It is immutable; a new value is produced for every scan cycle.
type Peripheral struct {
	Address       Address
	Advertisement Advertisement
	RSSI          int16

	adapter Adapter
}

// Name returns the advertised local name, if any.
func (p *Peripheral) Name() string {
	return p.Advertisement.LocalName
}

// Connect establishes a session with the peripheral. The returned
// session is Running; on failure no session is returned and every
// resource acquired along the way has been released.
func (p *Peripheral) Connect(ctx context.Context, opts SessionOptions) (*Session, error) {
	info, err := p.adapter.DeviceInfo(ctx, p.Address)
	if err != nil {
		return nil, fmt.Errorf("ble: resolve device %s: %w", p.Address, err)
	}
	return connect(ctx, p.adapter, info, opts)
}
