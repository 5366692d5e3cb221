package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bondedStub struct {
	devices []device.PeerDevice
	err     error
}

func (b bondedStub) BondedDevices() ([]device.PeerDevice, error) { return b.devices, b.err }

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return New(logger)
}

func TestUpsertDeduplicatesByAddress(t *testing.T) {
	r := newTestRegistry()

	_, added := r.Upsert(device.PeerDevice{Address: "aa:bb:cc:dd:ee:ff"})
	assert.True(t, added)

	stored, added := r.Upsert(device.PeerDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "Phone"})
	assert.False(t, added, "same address MUST NOT create a second entry")
	assert.Equal(t, "Phone", stored.Name, "a non-empty name MUST refresh the entry")

	stored, _ = r.Upsert(device.PeerDevice{Address: "AA:BB:CC:DD:EE:FF", Name: ""})
	assert.Equal(t, "Phone", stored.Name, "an empty name MUST NOT erase the known one")

	stored, _ = r.Upsert(device.PeerDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "Phone 2"})
	assert.Equal(t, "Phone 2", stored.Name, "the latest non-empty name MUST win")

	assert.Equal(t, 1, r.Len())
}

func TestDevicesPreservesFirstSeenOrder(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(device.PeerDevice{Address: "BB:BB:BB:BB:BB:BB", Name: "B"})
	r.Upsert(device.PeerDevice{Address: "AA:AA:AA:AA:AA:AA", Name: "A"})
	r.Upsert(device.PeerDevice{Address: "BB:BB:BB:BB:BB:BB", Name: "B2"})

	got := r.Devices()
	require.Len(t, got, 2)
	assert.Equal(t, "B2", got[0].Name)
	assert.Equal(t, "A", got[1].Name)

	p, ok := r.Get("aa:aa:aa:aa:aa:aa")
	assert.True(t, ok)
	assert.Equal(t, "A", p.Name)

	r.Reset()
	assert.Zero(t, r.Len())
	_, ok = r.Get("AA:AA:AA:AA:AA:AA")
	assert.False(t, ok)
}

func TestLoadBonded(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(device.PeerDevice{Address: "AA:AA:AA:AA:AA:AA", Name: "A"})

	added, err := r.LoadBonded(bondedStub{devices: []device.PeerDevice{
		{Address: "AA:AA:AA:AA:AA:AA"},
		{Address: "CC:CC:CC:CC:CC:CC", Name: "Headset"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	a, _ := r.Get("AA:AA:AA:AA:AA:AA")
	assert.True(t, a.Bonded, "bonded flag MUST stick to existing entries")
	assert.Equal(t, "A", a.Name)

	c, _ := r.Get("CC:CC:CC:CC:CC:CC")
	assert.True(t, c.Bonded)

	_, err = r.LoadBonded(bondedStub{err: errors.New("adapter gone")})
	assert.ErrorContains(t, err, "adapter gone")
}

func TestConcurrentUpsert(t *testing.T) {
	r := newTestRegistry()
	r.logger.SetLevel(logrus.WarnLevel)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Upsert(device.PeerDevice{
					Address: fmt.Sprintf("00:00:00:00:00:%02X", i%10),
					Name:    fmt.Sprintf("w%d", w),
				})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len(), "MUST hold exactly one entry per distinct address")
}
