// Package lua runs user scripts that react to peer traffic. A script may
// define on_connect(address) and on_message(address, payload); a string
// returned from either is sent back to the peer.
package lua

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

const (
	OnConnectFunc = "on_connect"
	OnMessageFunc = "on_message"

	outputBufferSize = 100
)

// OutputRecord is one line printed by a script.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Line    int
	Source  string
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := fmt.Sprintf("Lua %s error", e.Type)
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s (%s)", prefix, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Is matches another *LuaError by Type.
func (e *LuaError) Is(target error) bool {
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// Sender delivers bytes to a connected peer.
type Sender interface {
	SendTo(address string, p []byte) error
}

// Engine owns one Lua state. Calls are serialized.
type Engine struct {
	state      *lua.State
	stateMutex sync.Mutex
	logger     *logrus.Logger
	sender     Sender
	output     *RingChannel[OutputRecord]
}

// NewEngine creates an Engine. sender backs the send(address, data) global
// and may be nil.
func NewEngine(sender Sender, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		logger: logger,
		sender: sender,
		output: NewRingChannel[OutputRecord](outputBufferSize),
	}

	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrintCapture()
	e.registerSend()

	return e
}

// Output returns lines printed by the script. Old lines are dropped when
// nobody reads.
func (e *Engine) Output() <-chan OutputRecord {
	return e.output.C()
}

func (e *Engine) emit(source, content string) {
	e.output.Send(OutputRecord{Content: content, Timestamp: time.Now(), Source: source})
}

func (e *Engine) registerPrintCapture() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)

		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				// Tables, functions and userdata go through tostring()
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}

		e.emit("stdout", strings.Join(parts, "\t")+"\n")
		return 0
	})
	L.SetGlobal("print")
}

// registerSend exposes send(address, data) -> ok, err to scripts.
func (e *Engine) registerSend() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		if L.GetTop() < 2 || !L.IsString(1) || !L.IsString(2) {
			L.PushBoolean(false)
			L.PushString("usage: send(address, data)")
			return 2
		}
		if e.sender == nil {
			L.PushBoolean(false)
			L.PushString("sending is not available")
			return 2
		}

		address := L.ToString(1)
		data := L.ToString(2)
		if err := e.sender.SendTo(address, []byte(data)); err != nil {
			L.PushBoolean(false)
			L.PushString(err.Error())
			return 2
		}
		L.PushBoolean(true)
		return 1
	})
	L.SetGlobal("send")
}

// parseLuaError pops the error message on top of the stack.
func (e *Engine) parseLuaError(errType, source string, fallback error) *LuaError {
	L := e.state
	errMsg := ""
	if L.GetTop() > 0 && L.IsString(-1) {
		errMsg = L.ToString(-1)
		L.Pop(1)
	} else if fallback != nil {
		errMsg = fallback.Error()
	} else {
		errMsg = "unknown Lua error"
	}

	line := 0
	message := errMsg
	if parts := strings.SplitN(errMsg, ":", 3); len(parts) == 3 {
		if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && n == 1 {
			message = strings.TrimSpace(parts[2])
		}
	}

	return &LuaError{Type: errType, Message: message, Line: line, Source: source}
}

// LoadScriptFile reads and runs a script file.
func (e *Engine) LoadScriptFile(filename string) error {
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", filename, err)
	}
	return e.LoadScript(string(content), filename)
}

// LoadScript compiles and runs script at top level, so the functions it
// defines become available to the callbacks.
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return &LuaError{Type: "api", Message: "engine closed", Source: name}
	}

	L := e.state
	if status := L.LoadString(script); status != 0 {
		luaErr := e.parseLuaError("syntax", name, nil)
		e.emit("stderr", luaErr.Error())
		return luaErr
	}
	if err := L.Call(0, 0); err != nil {
		luaErr := e.parseLuaError("runtime", name, err)
		e.emit("stderr", luaErr.Error())
		return luaErr
	}

	e.logger.WithFields(logrus.Fields{
		"script":     name,
		"on_connect": e.hasFunction(OnConnectFunc),
		"on_message": e.hasFunction(OnMessageFunc),
	}).Info("Lua script loaded")
	return nil
}

// HasFunction reports whether a global function name is defined.
func (e *Engine) HasFunction(name string) bool {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	if e.state == nil {
		return false
	}
	return e.hasFunction(name)
}

func (e *Engine) hasFunction(name string) bool {
	e.state.GetGlobal(name)
	defer e.state.Pop(1)
	return e.state.IsFunction(-1)
}

// OnConnect calls on_connect(address) if defined.
func (e *Engine) OnConnect(address string) (reply []byte, ok bool, err error) {
	return e.callHook(OnConnectFunc, address)
}

// OnMessage calls on_message(address, payload) if defined.
func (e *Engine) OnMessage(address string, payload []byte) (reply []byte, ok bool, err error) {
	return e.callHook(OnMessageFunc, address, string(payload))
}

// callHook invokes a global function with string arguments. A string (or
// number) result becomes the reply; nil or a missing function means none.
func (e *Engine) callHook(name string, args ...string) ([]byte, bool, error) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return nil, false, &LuaError{Type: "api", Message: "engine closed"}
	}

	L := e.state
	L.GetGlobal(name)
	if !L.IsFunction(-1) {
		L.Pop(1)
		return nil, false, nil
	}
	for _, a := range args {
		L.PushString(a)
	}

	if err := L.Call(len(args), 1); err != nil {
		luaErr := e.parseLuaError("runtime", name, err)
		e.emit("stderr", luaErr.Error())
		return nil, false, luaErr
	}
	defer L.Pop(1)

	if L.IsNil(-1) || !L.IsString(-1) {
		return nil, false, nil
	}
	return []byte(L.ToString(-1)), true, nil
}

// SetGlobal sets a string, number or boolean global.
func (e *Engine) SetGlobal(name string, value any) error {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return &LuaError{Type: "api", Message: "engine closed"}
	}

	L := e.state
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case int:
		L.PushInteger(int64(v))
	case int64:
		L.PushInteger(v)
	case float64:
		L.PushNumber(v)
	case bool:
		L.PushBoolean(v)
	default:
		return fmt.Errorf("unsupported type %T for global variable %s", value, name)
	}
	L.SetGlobal(name)
	return nil
}

// Close releases the Lua state. Further calls fail.
func (e *Engine) Close() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
