package bluez

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/peerlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hci0 = dbus.ObjectPath("/org/bluez/hci0")
	hci1 = dbus.ObjectPath("/org/bluez/hci1")
	devA = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	devB = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02")
	devC = dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_03")
)

func deviceProps(kv ...interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = dbus.MakeVariant(kv[i+1])
	}
	return out
}

func TestAddressFromPath(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:01", addressFromPath(devA))
	assert.Empty(t, addressFromPath(hci0), "adapter path MUST NOT yield an address")
	assert.Equal(t, devA, devicePath(hci0, "aa:bb:cc:dd:ee:01"), "device path MUST round-trip")
}

func TestPeerFromProps(t *testing.T) {
	tests := []struct {
		name  string
		path  dbus.ObjectPath
		props map[string]dbus.Variant
		want  device.PeerDevice
		ok    bool
	}{
		{
			name:  "named and paired",
			path:  devA,
			props: deviceProps("Address", "AA:BB:CC:DD:EE:01", "Name", "Phone", "Alias", "My Phone", "Paired", true),
			want:  device.PeerDevice{Address: "AA:BB:CC:DD:EE:01", Name: "My Phone", Bonded: true},
			ok:    true,
		},
		{
			name:  "alias of unnamed device is ignored",
			path:  devB,
			props: deviceProps("Address", "AA:BB:CC:DD:EE:02", "Alias", "AA-BB-CC-DD-EE-02"),
			want:  device.PeerDevice{Address: "AA:BB:CC:DD:EE:02"},
			ok:    true,
		},
		{
			name:  "address from path",
			path:  devA,
			props: deviceProps("Name", "Kiosk"),
			want:  device.PeerDevice{Address: "AA:BB:CC:DD:EE:01", Name: "Kiosk"},
			ok:    true,
		},
		{
			name:  "no address anywhere",
			path:  hci0,
			props: deviceProps("Name", "?"),
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := peerFromProps(tt.path, tt.props)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickAdapter(t *testing.T) {
	objs := managedObjects{
		hci1: {adapterIface: {}},
		hci0: {adapterIface: {}},
		devA: {deviceIface: {}},
	}

	p, err := pickAdapter(objs, "")
	require.NoError(t, err)
	assert.Equal(t, hci0, p, "first adapter in path order MUST be chosen by default")

	p, err = pickAdapter(objs, "hci1")
	require.NoError(t, err)
	assert.Equal(t, hci1, p)

	_, err = pickAdapter(objs, "hci9")
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable)

	_, err = pickAdapter(managedObjects{}, "")
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable, "no adapters MUST mean adapter unavailable")
}

func TestBondedFromObjects(t *testing.T) {
	objs := managedObjects{
		devB: {deviceIface: deviceProps("Address", "AA:BB:CC:DD:EE:02", "Name", "B", "Paired", true, "Adapter", hci0)},
		devA: {deviceIface: deviceProps("Address", "AA:BB:CC:DD:EE:01", "Name", "A", "Paired", true, "Adapter", hci0)},
		devC: {deviceIface: deviceProps("Address", "AA:BB:CC:DD:EE:03", "Paired", true, "Adapter", hci1)},
		dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_04"): {
			deviceIface: deviceProps("Address", "AA:BB:CC:DD:EE:04", "Paired", false, "Adapter", hci0),
		},
	}

	got := bondedFromObjects(objs, hci0)
	assert.Equal(t, []device.PeerDevice{
		{Address: "AA:BB:CC:DD:EE:01", Name: "A", Bonded: true},
		{Address: "AA:BB:CC:DD:EE:02", Name: "B", Bonded: true},
	}, got, "only paired devices of the selected adapter MUST be listed, sorted by address")
}

func TestTrackerSightings(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := newTracker(managedObjects{
		devA: {deviceIface: deviceProps("Address", "AA:BB:CC:DD:EE:01", "Name", "Phone", "Paired", true)},
	})

	t.Run("InterfacesAdded yields a sighting", func(t *testing.T) {
		sig := &dbus.Signal{
			Name: objManagerIface + ".InterfacesAdded",
			Body: []interface{}{devB, map[string]map[string]dbus.Variant{
				deviceIface: deviceProps("Address", "AA:BB:CC:DD:EE:02", "RSSI", int16(-60)),
			}},
		}
		s, ok := tr.apply(sig, now)
		require.True(t, ok)
		assert.Equal(t, device.Sighting{Address: "AA:BB:CC:DD:EE:02", RSSI: -60, Seen: now}, s)
	})

	t.Run("non-device interfaces are ignored", func(t *testing.T) {
		sig := &dbus.Signal{
			Name: objManagerIface + ".InterfacesAdded",
			Body: []interface{}{hci1, map[string]map[string]dbus.Variant{adapterIface: {}}},
		}
		_, ok := tr.apply(sig, now)
		assert.False(t, ok)
	})

	t.Run("RSSI update merges with cached properties", func(t *testing.T) {
		sig := &dbus.Signal{
			Path: devA,
			Name: propsIface + ".PropertiesChanged",
			Body: []interface{}{deviceIface, deviceProps("RSSI", int16(-42)), []string{}},
		}
		s, ok := tr.apply(sig, now)
		require.True(t, ok, "RSSI change MUST count as a sighting")
		assert.Equal(t, device.Sighting{Address: "AA:BB:CC:DD:EE:01", Name: "Phone", RSSI: -42, Bonded: true, Seen: now}, s)
	})

	t.Run("unrelated property changes are not sightings", func(t *testing.T) {
		sig := &dbus.Signal{
			Path: devA,
			Name: propsIface + ".PropertiesChanged",
			Body: []interface{}{deviceIface, deviceProps("Connected", true), []string{}},
		}
		_, ok := tr.apply(sig, now)
		assert.False(t, ok)
	})

	t.Run("adapter property changes are ignored", func(t *testing.T) {
		sig := &dbus.Signal{
			Path: hci0,
			Name: propsIface + ".PropertiesChanged",
			Body: []interface{}{adapterIface, deviceProps("Discovering", true), []string{}},
		}
		_, ok := tr.apply(sig, now)
		assert.False(t, ok)
	})
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state device.ConnectionState
		is    error
	}{
		{"daemon missing", dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}, device.AdapterUnavailable, nil},
		{"powered off", &dbus.Error{Name: "org.bluez.Error.NotReady", Body: []interface{}{"Resource Not Ready"}}, device.AdapterUnavailable, nil},
		{"already connected", dbus.Error{Name: "org.bluez.Error.AlreadyConnected"}, device.AlreadyConnected, nil},
		{"not supported", dbus.Error{Name: "org.bluez.Error.NotSupported"}, "", device.ErrUnsupported},
		{"wrapped", fmt.Errorf("call: %w", dbus.Error{Name: "org.bluez.Error.NotReady"}), device.AdapterUnavailable, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			if tt.state != "" {
				assert.True(t, device.IsConnectionState(got, tt.state), "got %v", got)
			}
			if tt.is != nil {
				assert.ErrorIs(t, got, tt.is)
			}
		})
	}

	plain := errors.New("boom")
	assert.Same(t, plain, NormalizeError(plain), "non-D-Bus errors MUST pass through")
	assert.NoError(t, NormalizeError(nil))
}
