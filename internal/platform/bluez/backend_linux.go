//go:build linux

package bluez

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/groutine"
	"golang.org/x/sys/unix"
)

var profileCounter uint64

type Options struct {
	AdapterName string // e.g. "hci0"; empty selects the first adapter
}

// Backend implements device.Platform on top of bluetoothd.
type Backend struct {
	conn    *dbus.Conn
	adapter dbus.BusObject
	path    dbus.ObjectPath
	logger  *logrus.Logger

	handlersMu sync.RWMutex
	handlers   map[uint64]func(device.Sighting)
	nextID     uint64
	tracker    *tracker // owned by the dispatch goroutine

	profilesMu sync.Mutex
	profiles   map[string]*profile // by service UUID

	signals chan *dbus.Signal
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New connects to the system bus and binds to an adapter.
func New(opts Options, logger *logrus.Logger) (*Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	objs, err := getManagedObjects(conn)
	if err != nil {
		_ = conn.Close()
		return nil, NormalizeError(err)
	}
	path, err := pickAdapter(objs, opts.AdapterName)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		conn:     conn,
		adapter:  conn.Object(bluezService, path),
		path:     path,
		logger:   logger,
		handlers: make(map[uint64]func(device.Sighting)),
		tracker:  newTracker(objs),
		profiles: make(map[string]*profile),
		signals:  make(chan *dbus.Signal, 64),
		cancel:   cancel,
	}

	if err := b.watch(); err != nil {
		cancel()
		_ = conn.Close()
		return nil, err
	}
	groutine.GoTracked(ctx, &b.wg, "bluez-signals", b.dispatch)

	logger.WithField("adapter", path).Info("BlueZ backend ready")
	return b, nil
}

func getManagedObjects(conn *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("failed to decode managed objects: %w", err)
	}
	return objs, nil
}

func (b *Backend) matchRules() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchOption("path_namespace", string(b.path)),
		},
	}
}

func (b *Backend) watch() error {
	b.conn.Signal(b.signals)
	for _, rule := range b.matchRules() {
		if err := b.conn.AddMatchSignal(rule...); err != nil {
			return fmt.Errorf("failed to watch BlueZ signals: %w", err)
		}
	}
	return nil
}

// Close unregisters profiles and closes the bus connection.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.profilesMu.Lock()
	for uuid, p := range b.profiles {
		b.unregisterProfile(p)
		delete(b.profiles, uuid)
	}
	b.profilesMu.Unlock()

	for _, rule := range b.matchRules() {
		_ = b.conn.RemoveMatchSignal(rule...)
	}
	b.conn.RemoveSignal(b.signals)
	b.cancel()
	b.wg.Wait()
	return b.conn.Close()
}

// Adapter

func (b *Backend) IsEnabled() bool {
	v, err := b.adapter.GetProperty(adapterIface + ".Powered")
	if err != nil {
		b.logger.WithError(err).Debug("Failed to read Powered")
		return false
	}
	on, _ := v.Value().(bool)
	return on
}

func (b *Backend) Enable() error {
	return b.setAdapterProp("Powered", true)
}

func (b *Backend) Disable() error {
	return b.setAdapterProp("Powered", false)
}

func (b *Backend) MakeDiscoverable() error {
	if err := b.setAdapterProp("DiscoverableTimeout", uint32(DiscoverableTimeout/time.Second)); err != nil {
		return err
	}
	return b.setAdapterProp("Discoverable", true)
}

func (b *Backend) setAdapterProp(name string, value interface{}) error {
	if err := b.adapter.SetProperty(adapterIface+"."+name, dbus.MakeVariant(value)); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, NormalizeError(err))
	}
	b.logger.WithFields(logrus.Fields{"property": name, "value": value}).Debug("Adapter property set")
	return nil
}

func (b *Backend) BondedDevices() ([]device.PeerDevice, error) {
	objs, err := getManagedObjects(b.conn)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return bondedFromObjects(objs, b.path), nil
}

func (b *Backend) StartScan() error {
	if call := b.adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return NormalizeError(call.Err)
	}
	return nil
}

func (b *Backend) StopScan() error {
	if call := b.adapter.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		if name, _, ok := dbusErrorName(call.Err); ok && name == "org.bluez.Error.Failed" {
			// "No discovery started"
			return nil
		}
		return NormalizeError(call.Err)
	}
	return nil
}

func (b *Backend) IsScanning() bool {
	v, err := b.adapter.GetProperty(adapterIface + ".Discovering")
	if err != nil {
		return false
	}
	on, _ := v.Value().(bool)
	return on
}

// Notifier

func (b *Backend) Subscribe(handler func(device.Sighting)) (func(), error) {
	if b.closed.Load() {
		return nil, device.ErrClosed
	}

	b.handlersMu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.handlersMu.Lock()
			delete(b.handlers, id)
			b.handlersMu.Unlock()
		})
	}, nil
}

func (b *Backend) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			if s, ok := b.tracker.apply(sig, time.Now()); ok {
				b.deliver(s)
			}
		}
	}
}

func (b *Backend) deliver(s device.Sighting) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for _, h := range b.handlers {
		h(s)
	}
}

// Dialer

// profile is the Profile1 object BlueZ hands connected RFCOMM sockets to.
type profile struct {
	uuid string
	path dbus.ObjectPath

	mu      sync.Mutex
	waiting map[dbus.ObjectPath]chan *os.File
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	reject := func(reason string) *dbus.Error {
		_ = unix.Close(int(fd))
		return dbus.NewError("org.bluez.Error.Rejected", []interface{}{reason})
	}

	if err := unix.SetNonblock(int(fd), true); err != nil {
		return reject(err.Error())
	}

	p.mu.Lock()
	ch, ok := p.waiting[dev]
	if ok {
		delete(p.waiting, dev)
	}
	p.mu.Unlock()
	if !ok {
		return reject("no pending connect")
	}

	// non-blocking fd makes the file pollable, so Close unblocks Read
	ch <- os.NewFile(uintptr(fd), "rfcomm:"+addressFromPath(dev))
	return nil
}

func (p *profile) expect(dev dbus.ObjectPath) (<-chan *os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.waiting[dev]; busy {
		return nil, &device.ConnectionError{State: device.AlreadyConnected, Msg: "handshake already in progress"}
	}
	ch := make(chan *os.File, 1)
	p.waiting[dev] = ch
	return ch, nil
}

// abandon drops the pending entry. It reports false when NewConnection
// already claimed it, in which case a file is or will be on the channel.
func (p *profile) abandon(dev dbus.ObjectPath) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiting[dev]; !ok {
		return false
	}
	delete(p.waiting, dev)
	return true
}

func (b *Backend) profileFor(uuid string) (*profile, error) {
	b.profilesMu.Lock()
	defer b.profilesMu.Unlock()

	if p, ok := b.profiles[uuid]; ok {
		return p, nil
	}

	id := atomic.AddUint64(&profileCounter, 1)
	p := &profile{
		uuid:    uuid,
		path:    dbus.ObjectPath("/org/peerlink/profile/p" + strconv.FormatUint(id, 10)),
		waiting: make(map[dbus.ObjectPath]chan *os.File),
	}
	if err := b.conn.Export(p, p.path, profileIface); err != nil {
		return nil, fmt.Errorf("failed to export profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := b.conn.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, p.path, uuid, opts); call.Err != nil {
		_ = b.conn.Export(nil, p.path, profileIface)
		return nil, fmt.Errorf("failed to register profile %s: %w", uuid, NormalizeError(call.Err))
	}

	b.profiles[uuid] = p
	b.logger.WithFields(logrus.Fields{"uuid": uuid, "path": p.path}).Debug("Registered RFCOMM client profile")
	return p, nil
}

func (b *Backend) unregisterProfile(p *profile) {
	pm := b.conn.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".UnregisterProfile", 0, p.path); call.Err != nil {
		b.logger.WithError(call.Err).WithField("uuid", p.uuid).Warn("Failed to unregister profile")
	}
	_ = b.conn.Export(nil, p.path, profileIface)
}

// Open runs ConnectProfile for serviceID and waits for BlueZ to hand over
// the RFCOMM socket.
func (b *Backend) Open(ctx context.Context, peer device.PeerDevice, serviceID string) (device.Stream, error) {
	if b.closed.Load() {
		return nil, device.ErrClosed
	}

	uuids, err := device.ValidateUUID(serviceID)
	if err != nil {
		return nil, err
	}
	uuid := uuids[0]
	p, err := b.profileFor(uuid)
	if err != nil {
		return nil, err
	}

	devPath := devicePath(b.path, peer.Address)
	ch, err := p.expect(devPath)
	if err != nil {
		return nil, err
	}

	logger := b.logger.WithFields(logrus.Fields{"address": peer.Address, "uuid": uuid})
	logger.Debug("ConnectProfile")

	obj := b.conn.Object(bluezService, devPath)
	call := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, uuid)
	if call.Err != nil {
		if !p.abandon(devPath) {
			_ = (<-ch).Close()
		}
		if ctx.Err() != nil {
			b.disconnectProfile(obj, uuid)
			return nil, ctx.Err()
		}
		return nil, NormalizeError(call.Err)
	}

	select {
	case f := <-ch:
		logger.Info("RFCOMM socket established")
		return f, nil
	case <-ctx.Done():
		if !p.abandon(devPath) {
			_ = (<-ch).Close()
		}
		b.disconnectProfile(obj, uuid)
		return nil, ctx.Err()
	}
}

func (b *Backend) disconnectProfile(obj dbus.BusObject, uuid string) {
	if call := obj.Call(deviceIface+".DisconnectProfile", 0, uuid); call.Err != nil {
		b.logger.WithError(call.Err).Debug("DisconnectProfile after cancelled handshake")
	}
}

var _ device.Platform = (*Backend)(nil)
