package scripting

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// FilterFunc is the Lua global a filter script must define:
//
//	function filter(room_id, sender_id, message) ... end
//
// Returning a string delivers that text, true delivers the message unchanged,
// and nil or false rejects it.
const FilterFunc = "filter"

// Filter applies a Lua message filter to outgoing chat messages.
//
// Filter is safe for concurrent use; calls are serialized on one LState.
type Filter struct {
	path      string
	instLimit int
	logger    *zap.Logger

	mu sync.Mutex
	L  *lua.LState
	fn lua.LValue
}

// LoadFilter executes the script at path in a fresh sandbox and resolves its
// filter function.
//
// Precondition: logger must be non-nil; instLimit >= 0 (0 uses DefaultInstructionLimit).
// Postcondition: Returns a ready Filter, or an error if the script fails to load
// or does not define a filter function.
func LoadFilter(path string, instLimit int, logger *zap.Logger) (*Filter, error) {
	L := NewSandboxedState()
	f := &Filter{path: path, instLimit: instLimit, logger: logger, L: L}
	f.RegisterModules(L)

	if err := WithLimit(L, instLimit, func() error { return L.DoFile(path) }); err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: loading filter %q: %w", path, err)
	}
	fn := L.GetGlobal(FilterFunc)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("scripting: filter %q does not define function %q", path, FilterFunc)
	}
	f.fn = fn
	return f, nil
}

// Apply runs the filter for one message.
//
// Postcondition: Returns (text, true, nil) to deliver text, ("", false, nil) to
// reject, or an error when the script fails or returns an unsupported value.
func (f *Filter) Apply(roomID, senderID, message string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.L == nil {
		return "", false, fmt.Errorf("scripting: filter %q is closed", f.path)
	}
	L := f.L
	err := WithLimit(L, f.instLimit, func() error {
		return L.CallByParam(lua.P{Fn: f.fn, NRet: 1, Protect: true},
			lua.LString(roomID), lua.LString(senderID), lua.LString(message))
	})
	if err != nil {
		f.logger.Warn("scripting: filter runtime error",
			zap.String("script", f.path),
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return "", false, fmt.Errorf("scripting: running filter: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	switch v := ret.(type) {
	case lua.LString:
		return string(v), true, nil
	case lua.LBool:
		if bool(v) {
			return message, true, nil
		}
		return "", false, nil
	case *lua.LNilType:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("scripting: filter returned unsupported %s", ret.Type())
	}
}

// Close releases the Lua state. It is idempotent.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.L != nil {
		f.L.Close()
		f.L = nil
	}
}
