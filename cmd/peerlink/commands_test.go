package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type AdapterCommandTestSuite struct {
	CommandTestSuite
}

func (s *AdapterCommandTestSuite) TestStatusReportsPowerAndBackend() {
	out, err := s.ExecuteCommand("adapter", "--backend", "ble")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, "Backend:  ble\nPowered:  on\nScanning: no\n")
}

func (s *AdapterCommandTestSuite) TestOffThenVisibleFails() {
	// GOAL: Verify power changes reach the adapter and visibility needs power
	//
	// TEST SCENARIO: adapter off → adapter visible fails with adapter unavailable → adapter on → visible succeeds

	out, err := s.ExecuteCommand("adapter", "off")
	s.Require().NoError(err)
	s.Contains(out, "Bluetooth is off")
	s.False(s.Platform.IsEnabled(), "adapter MUST be powered off")

	_, err = s.ExecuteCommand("adapter", "visible")
	s.ErrorIs(err, device.ErrAdapterUnavailable, "visibility MUST require a powered adapter")

	_, err = s.ExecuteCommand("adapter", "on")
	s.Require().NoError(err)
	_, err = s.ExecuteCommand("adapter", "visible")
	s.Require().NoError(err)
	s.True(s.Platform.IsDiscoverable())
}

func (s *AdapterCommandTestSuite) TestUnknownActionIsRejected() {
	_, err := s.ExecuteCommand("adapter", "explode")
	s.Error(err)
}

func TestAdapterCommandTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterCommandTestSuite))
}

type ScanCommandTestSuite struct {
	CommandTestSuite
}

func (s *ScanCommandTestSuite) TestScanListsPeersAndRemembersThem() {
	// GOAL: Verify scan prints found peers in first-seen order and records them in the store
	//
	// TEST SCENARIO: scan 400ms → three sightings of two peers → JSON lists each once → devices --known counts every sighting

	out, done := s.StartCommand(strings.NewReader(""), "scan", "-d", "400ms", "--format", "json")
	s.Require().Eventually(func() bool { return s.Platform.Active() > 0 }, 2*time.Second, 5*time.Millisecond,
		"scan MUST subscribe to sightings")

	s.Platform.Sight(device.Sighting{Address: "aa:bb:cc:dd:ee:02", Name: "Second", RSSI: -70, Seen: time.Now()})
	s.Platform.Sight(device.Sighting{Address: TestDeviceAddress1, Name: "First", RSSI: -40, Seen: time.Now()})
	s.Platform.Sight(device.Sighting{Address: TestDeviceAddress2, Name: "Second", RSSI: -65, Seen: time.Now()})

	s.Require().NoError(s.WaitDone(done))
	s.False(s.Platform.IsScanning(), "scan MUST be stopped when the command ends")

	testutils.NewJSONAsserter(s.T()).Assert(out.String(), `[
		{"address": "AA:BB:CC:DD:EE:02", "name": "Second", "bonded": false, "last_seen": "<<PRESENCE>>"},
		{"address": "AA:BB:CC:DD:EE:01", "name": "First", "bonded": false, "last_seen": "<<PRESENCE>>"}
	]`)

	known, err := s.ExecuteCommand("devices", "--known", "--format", "json")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreArrayOrder(true)).Assert(known, `[
		{"address": "AA:BB:CC:DD:EE:01", "name": "First", "sightings": 1, "connections": 0},
		{"address": "AA:BB:CC:DD:EE:02", "name": "Second", "sightings": 2, "connections": 0}
	]`)
}

func (s *ScanCommandTestSuite) TestScanWithAdapterOff() {
	s.Platform.SetEnabled(false)

	_, err := s.ExecuteCommand("scan", "-d", "100ms")
	s.ErrorIs(err, device.ErrAdapterUnavailable)
	s.Contains(FormatUserError(err), "peerlink adapter on", "user error MUST hint at the fix")
}

func (s *ScanCommandTestSuite) TestInvalidFormat() {
	_, err := s.ExecuteCommand("scan", "--format", "xml")
	s.ErrorContains(err, "invalid format 'xml'")
}

func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}

type DevicesCommandTestSuite struct {
	CommandTestSuite
}

func (s *DevicesCommandTestSuite) TestBondedTable() {
	s.Platform.SetBonded(
		device.PeerDevice{Address: TestDeviceAddress1, Name: "Headset", Bonded: true},
		device.PeerDevice{Address: TestDeviceAddress2, Bonded: true},
	)

	out, err := s.ExecuteCommand("devices")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, ""+
		"NAME     ADDRESS            BONDED  LAST SEEN\n"+
		"----     -------            ------  ---------\n"+
		"Headset  AA:BB:CC:DD:EE:01  yes     -\n"+
		"         AA:BB:CC:DD:EE:02  yes     -\n")
}

func (s *DevicesCommandTestSuite) TestForgetUnknownPeer() {
	_, err := s.ExecuteCommand("devices", "--forget", TestDeviceAddress1)
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "devices --known")
}

func (s *DevicesCommandTestSuite) TestFlagsAreExclusive() {
	_, err := s.ExecuteCommand("devices", "--known", "--bonded")
	s.Error(err, "--known and --bonded MUST NOT be combined")
}

func TestDevicesCommandTestSuite(t *testing.T) {
	suite.Run(t, new(DevicesCommandTestSuite))
}

type ChatCommandTestSuite struct {
	CommandTestSuite
}

func (s *ChatCommandTestSuite) TestChatExchangesLines() {
	// GOAL: Verify stdin lines reach the peer, peer data is printed, and EOF disconnects cleanly
	//
	// TEST SCENARIO: peer sends "hi from peer" → stdin "hello" → peer receives "hello\n" → stdin closed → command returns nil

	stream := testutils.NewFakeStream().Feed([]byte("hi from peer\n"))
	s.Platform.Serve(TestDeviceAddress1, stream)

	stdin, stdinW := io.Pipe()
	out, done := s.StartCommand(stdin, "chat", strings.ToLower(TestDeviceAddress1))

	go func() { _, _ = stdinW.Write([]byte("hello\n")) }()

	s.Require().Eventually(func() bool {
		for _, w := range stream.Written() {
			if string(w) == "hello\n" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "stdin line MUST be sent to the peer")
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "AA:BB:CC:DD:EE:01 < hi from peer")
	}, 2*time.Second, 5*time.Millisecond, "peer data MUST be printed")

	s.Require().NoError(stdinW.Close())
	s.Require().NoError(s.WaitDone(done), "end of input MUST disconnect without error")

	s.Contains(out.String(), "connected AA:BB:CC:DD:EE:01")
	s.Contains(out.String(), "AA:BB:CC:DD:EE:01 > hello")
	s.Contains(out.String(), "disconnected AA:BB:CC:DD:EE:01")
	s.True(stream.IsClosed(), "stream MUST be closed on disconnect")

	known, err := s.ExecuteCommand("devices", "--known", "--format", "json")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(known, `[
		{"address": "AA:BB:CC:DD:EE:01", "connections": 1, "last_connected": "<<PRESENCE>>"}
	]`)
}

func (s *ChatCommandTestSuite) TestScriptRepliesToMessages() {
	// GOAL: Verify a --script on_message reply is sent back to the peer
	//
	// TEST SCENARIO: script returns "ack:" .. payload → peer sends "ping" → peer receives "ack:ping"

	script := filepath.Join(s.T().TempDir(), "ack.lua")
	s.Require().NoError(os.WriteFile(script, []byte(`
function on_message(address, payload)
  return "ack:" .. payload
end
`), 0o644))

	stream := testutils.NewFakeStream().Feed([]byte("ping"))
	s.Platform.Serve(TestDeviceAddress1, stream)

	stdin, stdinW := io.Pipe()
	_, done := s.StartCommand(stdin, "chat", "--script", script, TestDeviceAddress1)

	s.Require().Eventually(func() bool {
		for _, w := range stream.Written() {
			if string(w) == "ack:ping" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "script reply MUST reach the peer")

	s.Require().NoError(stdinW.Close())
	s.Require().NoError(s.WaitDone(done))
}

func (s *ChatCommandTestSuite) TestConnectFailureIsReported() {
	s.Platform.Fail(TestDeviceAddress1, errors.New("connection refused"))

	_, err := s.ExecuteCommand("chat", TestDeviceAddress1)

	var cf *device.ConnectFailedError
	s.Require().ErrorAs(err, &cf)
	s.Equal(device.ReasonRefused, cf.Reason)
	s.Contains(FormatUserError(err), "could not connect to AA:BB:CC:DD:EE:01: the peer refused the connection")
}

func (s *ChatCommandTestSuite) TestPeerHangupIsConnectionLost() {
	stream := testutils.NewFakeStream().FeedEOF()
	s.Platform.Serve(TestDeviceAddress1, stream)

	stdin, stdinW := io.Pipe()
	defer stdinW.Close()
	_, done := s.StartCommand(stdin, "chat", TestDeviceAddress1)

	s.ErrorIs(s.WaitDone(done), ErrConnectionLost, "remote close MUST end the chat with connection lost")
}

func TestChatCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ChatCommandTestSuite))
}

type BridgeCommandTestSuite struct {
	CommandTestSuite
}

func (s *BridgeCommandTestSuite) SetupTest() {
	master, slave, err := pty.Open()
	if err != nil {
		s.T().Skipf("PTY not available: %v", err)
	}
	_ = slave.Close()
	_ = master.Close()
	s.CommandTestSuite.SetupTest()
}

func (s *BridgeCommandTestSuite) TestBridgeUpUntilPeerHangsUp() {
	// GOAL: Verify the bridge reports its PTY once connected and ends when the peer goes away
	//
	// TEST SCENARIO: peer sends "hello" then EOF → "Bridge up" with symlink printed → command returns connection lost

	link := filepath.Join(s.T().TempDir(), "peer")
	stream := testutils.NewFakeStream().Feed([]byte("hello")).FeedEOF()
	s.Platform.Serve(TestDeviceAddress1, stream)

	out, done := s.StartCommand(strings.NewReader(""), "bridge", "--symlink", link, TestDeviceAddress1)

	s.ErrorIs(s.WaitDone(done), ErrConnectionLost, "peer EOF MUST end the bridge")
	s.Contains(out.String(), "Bridge up: /dev/")
	s.Contains(out.String(), "Symlink:   "+link)
	s.True(stream.IsClosed(), "stream MUST be closed when the bridge ends")

	_, err := os.Lstat(link)
	s.True(os.IsNotExist(err), "symlink MUST be removed on close")
}

func TestBridgeCommandTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeCommandTestSuite))
}
