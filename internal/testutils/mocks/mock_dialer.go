package mocks

import (
	"context"

	"github.com/srg/peerlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockDialer is a testify mock for device.Dialer.
type MockDialer struct {
	mock.Mock
}

func (m *MockDialer) Open(ctx context.Context, peer device.PeerDevice, serviceID string) (device.Stream, error) {
	args := m.Called(ctx, peer, serviceID)

	var stream device.Stream
	if v := args.Get(0); v != nil {
		stream = v.(device.Stream)
	}
	return stream, args.Error(1)
}
