package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/link"
	"github.com/srg/peerlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	addrA = "AA:AA:AA:AA:AA:AA"
	addrB = "BB:BB:BB:BB:BB:BB"
)

// ManagerTestSuite drives the facade through its public event stream.
type ManagerTestSuite struct {
	suite.Suite
	platform *testutils.FakePlatform
	manager  *Manager

	mu       sync.Mutex
	received []events.Event
	drained  chan struct{}
}

func (s *ManagerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.platform = testutils.NewFakePlatform()
	s.manager = New(s.platform, Options{HistorySize: 64}, logger)
	s.received = nil
	s.drained = make(chan struct{})

	go func() {
		defer close(s.drained)
		for e := range s.manager.Events() {
			s.mu.Lock()
			s.received = append(s.received, e)
			s.mu.Unlock()
		}
	}()
}

func (s *ManagerTestSuite) TearDownTest() {
	s.manager.Close()
	select {
	case <-s.drained:
	case <-time.After(2 * time.Second):
		s.Fail("event stream MUST close after Close")
	}
}

func (s *ManagerTestSuite) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.received...)
}

func (s *ManagerTestSuite) waitFor(kind events.Kind, addr string) {
	s.Require().Eventually(func() bool {
		for _, e := range s.snapshot() {
			if e.Kind == kind && (addr == "" || e.Address == addr) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "MUST observe %s for %s", kind, addr)
}

func (s *ManagerTestSuite) TestScanConnectSendDisconnectScenario() {
	// GOAL: Verify the end-to-end flow across discovery and connections
	//
	// TEST SCENARIO: Scan finds A and B → ConnectTo(A) opens → SendTo(A,"hello") → Disconnect(A) → ConnectionClosed(A) → ConnectTo(B) unaffected

	streamA := testutils.NewFakeStream()
	streamB := testutils.NewFakeStream()
	s.platform.Serve(addrA, streamA).Serve(addrB, streamB)

	s.Require().NoError(s.manager.StartScan())
	s.platform.Sight(device.Sighting{Address: addrA, Name: "Phone"})
	s.platform.Sight(device.Sighting{Address: addrB, Name: "Laptop"})
	s.waitFor(events.DeviceFound, addrB)
	s.Len(s.manager.Devices(), 2)

	s.Require().NoError(s.manager.ConnectTo(addrA))
	s.waitFor(events.ConnectionOpened, addrA)
	s.False(s.manager.IsScanning(), "MUST stop discovery before connecting")
	s.False(s.platform.IsScanning())

	s.Require().NoError(s.manager.SendTo(addrA, []byte("hello")))
	s.Equal([][]byte{[]byte("hello")}, streamA.Written())

	s.Require().NoError(s.manager.Disconnect(addrA))
	s.waitFor(events.ConnectionClosed, addrA)
	s.ErrorIs(s.manager.SendTo(addrA, []byte("x")), device.ErrNotConnected)

	s.Require().NoError(s.manager.ConnectTo(addrB))
	s.waitFor(events.ConnectionOpened, addrB)
	s.Require().Len(s.manager.Connections(), 1)
	s.Equal("Laptop", s.manager.Connections()[0].Peer.Name, "MUST carry the registry name")
	s.Equal(link.Open, s.manager.Connections()[0].State)
}

func (s *ManagerTestSuite) TestIncomingMessagesAreOrdered() {
	stream := testutils.NewFakeStream().
		Feed([]byte("one"), []byte("two"), []byte("three")).
		FeedEOF()
	s.platform.Serve(addrA, stream)

	s.Require().NoError(s.manager.ConnectTo(addrA))
	s.waitFor(events.ConnectionClosed, addrA)

	var kinds []events.Kind
	var payloads []string
	for _, e := range s.snapshot() {
		if e.Address != addrA {
			continue
		}
		kinds = append(kinds, e.Kind)
		if e.Kind == events.MessageReceived {
			payloads = append(payloads, string(e.Payload))
		}
	}
	s.Equal([]events.Kind{
		events.ConnectionOpened,
		events.MessageReceived,
		events.MessageReceived,
		events.MessageReceived,
		events.ConnectionClosed,
	}, kinds)
	s.Equal([]string{"one", "two", "three"}, payloads)
}

func (s *ManagerTestSuite) TestStartScanKeepsBondedPeers() {
	s.platform.SetBonded(device.PeerDevice{Address: addrB, Name: "Headset"})
	added, err := s.manager.LoadBonded()
	s.Require().NoError(err)
	s.Equal(1, added)

	s.Require().NoError(s.manager.StartScan())
	s.platform.Sight(device.Sighting{Address: addrA})
	s.Require().NoError(s.manager.StopScan())

	// A fresh scan forgets unbonded peers from the previous one
	s.Require().NoError(s.manager.StartScan())
	devices := s.manager.Devices()
	s.Require().Len(devices, 1)
	s.Equal(addrB, devices[0].Address)
	s.True(devices[0].Bonded)
}

func (s *ManagerTestSuite) TestStartScanAdapterOff() {
	s.platform.SetEnabled(false)
	s.ErrorIs(s.manager.StartScan(), device.ErrAdapterUnavailable)
}

func (s *ManagerTestSuite) TestHistoryKeepsRecentEvents() {
	s.Require().NoError(s.manager.StartScan())
	s.Require().NoError(s.manager.StopScan())
	s.waitFor(events.ScanStopped, "")

	recent := s.manager.History().Drain()
	s.Require().Len(recent, 2)
	s.Equal(events.ScanStarted, recent[0].Kind)
	s.Equal(events.ScanStopped, recent[1].Kind)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
