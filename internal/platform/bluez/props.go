// Package bluez is the BlueZ (Linux) backend. It talks to bluetoothd over the
// D-Bus system bus: Adapter1 for the radio, ObjectManager and Properties
// signals for discovery, and a Profile1 client for RFCOMM connections.
package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/peerlink/internal/device"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	// DiscoverableTimeout matches the usual "visible for two minutes" prompt.
	DiscoverableTimeout = 120 * time.Second
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// addressFromPath extracts the MAC from .../dev_XX_XX_XX_XX_XX_XX.
func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return device.NormalizeAddress(s[idx+len("/dev_"):])
}

// devicePath builds the object path BlueZ uses for address under adapter.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	mac := strings.ReplaceAll(device.NormalizeAddress(address), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + mac)
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		b, _ := v.Value().(bool)
		return b
	}
	return false
}

// peerFromProps converts Device1 properties into a PeerDevice. Alias is used
// only when BlueZ has a real Name, since an unnamed device's Alias is its address.
func peerFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (device.PeerDevice, bool) {
	addr := stringProp(props, "Address")
	if addr == "" {
		addr = addressFromPath(path)
	}
	if addr == "" {
		return device.PeerDevice{}, false
	}

	name := stringProp(props, "Name")
	if alias := stringProp(props, "Alias"); name != "" && alias != "" {
		name = alias
	}

	return device.PeerDevice{
		Address: device.NormalizeAddress(addr),
		Name:    name,
		Bonded:  boolProp(props, "Paired"),
	}, true
}

func sightingFromProps(path dbus.ObjectPath, props map[string]dbus.Variant, now time.Time) (device.Sighting, bool) {
	peer, ok := peerFromProps(path, props)
	if !ok {
		return device.Sighting{}, false
	}
	s := device.Sighting{
		Address: peer.Address,
		Name:    peer.Name,
		Bonded:  peer.Bonded,
		Seen:    now,
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			s.RSSI = int(rssi)
		}
	}
	return s, true
}

// isSightingChange reports whether a PropertiesChanged payload means the
// device was just heard from. BlueZ updates RSSI on every advertisement or
// inquiry result, and Name when the remote name resolves.
func isSightingChange(changed map[string]dbus.Variant) bool {
	for _, k := range []string{"RSSI", "Name", "Alias", "ManufacturerData"} {
		if _, ok := changed[k]; ok {
			return true
		}
	}
	return false
}

// mergeProps overlays changed onto base, dropping invalidated keys.
func mergeProps(base, changed map[string]dbus.Variant, invalidated []string) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(base)+len(changed))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range changed {
		out[k] = v
	}
	for _, k := range invalidated {
		delete(out, k)
	}
	return out
}

// pickAdapter returns the adapter path named name ("hci0"), or the first
// adapter in path order when name is empty.
func pickAdapter(objs managedObjects, name string) (dbus.ObjectPath, error) {
	var paths []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no Bluetooth adapter found: %w", device.ErrAdapterUnavailable)
	}
	sort.Strings(paths)

	if name == "" {
		return dbus.ObjectPath(paths[0]), nil
	}
	for _, p := range paths {
		if strings.HasSuffix(p, "/"+name) {
			return dbus.ObjectPath(p), nil
		}
	}
	return "", fmt.Errorf("adapter %q not found (have %s): %w", name, strings.Join(paths, ", "), device.ErrAdapterUnavailable)
}

// bondedFromObjects lists paired devices that belong to adapter.
func bondedFromObjects(objs managedObjects, adapter dbus.ObjectPath) []device.PeerDevice {
	var out []device.PeerDevice
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !boolProp(props, "Paired") {
			continue
		}
		if owner, ok := props["Adapter"]; ok {
			if p, _ := owner.Value().(dbus.ObjectPath); p != adapter {
				continue
			}
		}
		if peer, ok := peerFromProps(path, props); ok {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func dbusErrorName(err error) (string, string, bool) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name, v.Error(), true
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name, p.Error(), true
	}
	return "", "", false
}

// NormalizeError maps bluetoothd failures onto the device package errors.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	name, msg, ok := dbusErrorName(err)
	if !ok {
		return err
	}

	switch name {
	case "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.NameHasNoOwner":
		return &device.ConnectionError{State: device.AdapterUnavailable, Msg: "bluetoothd is not running"}
	case "org.bluez.Error.NotReady":
		return &device.ConnectionError{State: device.AdapterUnavailable, Msg: "adapter is powered off"}
	case "org.bluez.Error.NotSupported":
		return fmt.Errorf("%s: %w", msg, device.ErrUnsupported)
	case "org.bluez.Error.AlreadyConnected", "org.bluez.Error.AlreadyExists":
		return &device.ConnectionError{State: device.AlreadyConnected, Msg: msg}
	case "org.bluez.Error.NotConnected":
		return &device.ConnectionError{State: device.NotConnected, Msg: msg}
	case "org.freedesktop.DBus.Error.UnknownObject", "org.freedesktop.DBus.Error.UnknownMethod":
		return fmt.Errorf("device is not known to the adapter, scan first: %w", err)
	}

	if device.ContainsIgnoreCase(msg, "not powered") || device.ContainsIgnoreCase(msg, "powered off") {
		return &device.ConnectionError{State: device.AdapterUnavailable, Msg: msg}
	}
	return err
}

// tracker keeps the last known Device1 properties per object path so partial
// PropertiesChanged updates can be turned into complete sightings.
type tracker struct {
	seen map[dbus.ObjectPath]map[string]dbus.Variant
}

func newTracker(objs managedObjects) *tracker {
	t := &tracker{seen: make(map[dbus.ObjectPath]map[string]dbus.Variant)}
	for path, ifaces := range objs {
		if props, ok := ifaces[deviceIface]; ok {
			t.seen[path] = props
		}
	}
	return t
}

func (t *tracker) apply(sig *dbus.Signal, now time.Time) (device.Sighting, bool) {
	if sig == nil {
		return device.Sighting{}, false
	}

	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return device.Sighting{}, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok {
			return device.Sighting{}, false
		}
		t.seen[path] = props
		return sightingFromProps(path, props, now)

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 3 {
			return device.Sighting{}, false
		}
		if iface, _ := sig.Body[0].(string); iface != deviceIface {
			return device.Sighting{}, false
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		invalidated, _ := sig.Body[2].([]string)
		props := mergeProps(t.seen[sig.Path], changed, invalidated)
		t.seen[sig.Path] = props
		if !isSightingChange(changed) {
			return device.Sighting{}, false
		}
		return sightingFromProps(sig.Path, props, now)
	}
	return device.Sighting{}, false
}
