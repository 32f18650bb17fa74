package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RegisterModules registers the chat.* Lua table into L.
//
//	chat.log(msg)    logs msg at info level, tagged with the script path
//	chat.warn(msg)   logs msg at warn level
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: chat global is defined in L.
func (f *Filter) RegisterModules(L *lua.LState) {
	chat := L.NewTable()
	L.SetField(chat, "log", L.NewFunction(f.luaLog(zap.InfoLevel)))
	L.SetField(chat, "warn", L.NewFunction(f.luaLog(zap.WarnLevel)))
	L.SetGlobal("chat", chat)
}

func (f *Filter) luaLog(level zapcore.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		if ce := f.logger.Check(level, "scripting: "+msg); ce != nil {
			ce.Write(zap.String("script", f.path))
		}
		return 0
	}
}
