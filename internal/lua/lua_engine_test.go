package lua

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/stretchr/testify/suite"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func (r *recordingSender) SendTo(address string, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[address] = append(r.sent[address], string(p))
	return nil
}

func (r *recordingSender) Sent(address string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[address]...)
}

// LuaEngineTestSuite tests script loading, hooks and output capture.
type LuaEngineTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	sender *recordingSender
	engine *Engine
}

func (s *LuaEngineTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.sender = &recordingSender{}
	s.engine = NewEngine(s.sender, s.logger)
}

func (s *LuaEngineTestSuite) TearDownTest() {
	s.engine.Close()
}

func (s *LuaEngineTestSuite) nextOutput() OutputRecord {
	select {
	case rec := <-s.engine.Output():
		return rec
	case <-time.After(time.Second):
		s.FailNow("expected script output")
		return OutputRecord{}
	}
}

func (s *LuaEngineTestSuite) TestOnMessageReply() {
	// GOAL: Verify on_message return values become replies
	//
	// TEST SCENARIO: Script echoes upper-cased payload and ignores "quiet" → reply for one, none for the other

	s.Require().NoError(s.engine.LoadScript(`
function on_message(address, payload)
  if payload == "quiet" then
    return nil
  end
  return address .. ": " .. string.upper(payload)
end
`, "echo.lua"))

	reply, ok, err := s.engine.OnMessage("AA:AA:AA:AA:AA:AA", []byte("hello"))
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("AA:AA:AA:AA:AA:AA: HELLO", string(reply))

	_, ok, err = s.engine.OnMessage("AA:AA:AA:AA:AA:AA", []byte("quiet"))
	s.Require().NoError(err)
	s.False(ok, "nil MUST mean no reply")
}

func (s *LuaEngineTestSuite) TestMissingHooksAreNoOps() {
	s.Require().NoError(s.engine.LoadScript(`x = 1`, "empty.lua"))

	s.False(s.engine.HasFunction(OnMessageFunc))
	_, ok, err := s.engine.OnMessage("AA:AA:AA:AA:AA:AA", []byte("hi"))
	s.NoError(err)
	s.False(ok)

	_, ok, err = s.engine.OnConnect("AA:AA:AA:AA:AA:AA")
	s.NoError(err)
	s.False(ok)
}

func (s *LuaEngineTestSuite) TestSyntaxError() {
	err := s.engine.LoadScript("function on_message(", "broken.lua")

	var luaErr *LuaError
	s.Require().ErrorAs(err, &luaErr)
	s.Equal("syntax", luaErr.Type)
	s.Equal("broken.lua", luaErr.Source)
	s.ErrorIs(err, &LuaError{Type: "syntax"})

	rec := s.nextOutput()
	s.Equal("stderr", rec.Source)
}

func (s *LuaEngineTestSuite) TestRuntimeErrorInHook() {
	s.Require().NoError(s.engine.LoadScript(`
function on_message(address, payload)
  error("boom")
end
`, "fail.lua"))

	_, ok, err := s.engine.OnMessage("AA:AA:AA:AA:AA:AA", []byte("x"))
	s.False(ok)
	s.ErrorIs(err, &LuaError{Type: "runtime"})
	s.Contains(err.Error(), "boom")

	// The state stays usable after a failed call
	s.Require().NoError(s.engine.LoadScript(`function on_message(a, p) return "ok" end`, "fixed.lua"))
	reply, ok, err := s.engine.OnMessage("AA:AA:AA:AA:AA:AA", []byte("x"))
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("ok", string(reply))
}

func (s *LuaEngineTestSuite) TestPrintIsCaptured() {
	s.Require().NoError(s.engine.LoadScript(`print("hello", 42, true, nil)`, "print.lua"))

	rec := s.nextOutput()
	s.Equal("stdout", rec.Source)
	s.Equal("hello\t42\ttrue\tnil\n", rec.Content)
}

func (s *LuaEngineTestSuite) TestSendGlobal() {
	s.Require().NoError(s.engine.LoadScript(`
function on_connect(address)
  local ok, err = send("BB:BB:BB:BB:BB:BB", "relay from " .. address)
  if not ok then print(err) end
  return "welcome"
end
`, "relay.lua"))

	reply, ok, err := s.engine.OnConnect("AA:AA:AA:AA:AA:AA")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("welcome", string(reply))
	s.Equal([]string{"relay from AA:AA:AA:AA:AA:AA"}, s.sender.Sent("BB:BB:BB:BB:BB:BB"))

	s.sender.err = device.ErrNotConnected
	_, _, err = s.engine.OnConnect("AA:AA:AA:AA:AA:AA")
	s.Require().NoError(err)
	rec := s.nextOutput()
	s.True(strings.Contains(rec.Content, "not_connected"), "send failure MUST be reported to the script")
}

func (s *LuaEngineTestSuite) TestSetGlobal() {
	s.Require().NoError(s.engine.SetGlobal("prefix", ">> "))
	s.Require().NoError(s.engine.LoadScript(`function on_message(a, p) return prefix .. p end`, "prefix.lua"))

	reply, _, err := s.engine.OnMessage("AA:AA:AA:AA:AA:AA", []byte("x"))
	s.Require().NoError(err)
	s.Equal(">> x", string(reply))

	s.Error(s.engine.SetGlobal("bad", []int{1}))
}

func (s *LuaEngineTestSuite) TestClosedEngine() {
	s.engine.Close()
	s.engine.Close()

	s.Error(s.engine.LoadScript("x = 1", "late.lua"))
	_, _, err := s.engine.OnMessage("AA:AA:AA:AA:AA:AA", nil)
	s.Error(err)
	s.False(s.engine.HasFunction(OnMessageFunc))
}

func (s *LuaEngineTestSuite) TestResponder() {
	// GOAL: Verify the responder routes events through the script
	//
	// TEST SCENARIO: Opened → greeting sent; message → reply sent; closed → ignored; send failure surfaced

	s.Require().NoError(s.engine.LoadScript(`
function on_connect(address) return "hi" end
function on_message(address, payload) return "ack " .. payload end
`, "bot.lua"))

	r := NewResponder(s.engine, s.sender, s.logger)
	s.Require().NoError(r.Handle(events.NewConnectionOpened("AA:AA:AA:AA:AA:AA")))
	s.Require().NoError(r.Handle(events.NewMessageReceived("AA:AA:AA:AA:AA:AA", []byte("1"))))
	s.Require().NoError(r.Handle(events.NewConnectionClosed("AA:AA:AA:AA:AA:AA")))

	s.Equal([]string{"hi", "ack 1"}, s.sender.Sent("AA:AA:AA:AA:AA:AA"))

	s.sender.err = errors.New("link down")
	s.ErrorContains(r.Handle(events.NewMessageReceived("AA:AA:AA:AA:AA:AA", []byte("2"))), "link down")
}

func TestLuaEngineTestSuite(t *testing.T) {
	suite.Run(t, new(LuaEngineTestSuite))
}

func TestRingChannelOverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}

	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}

	if len(got) != 3 || got[0] != 7 || got[2] != 9 {
		t.Fatalf("expected last three values, got %v", got)
	}
	if rc.Overwritten() != 7 || rc.Written() != 10 {
		t.Fatalf("unexpected metrics: overwritten=%d written=%d", rc.Overwritten(), rc.Written())
	}
}
