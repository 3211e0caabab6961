package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules defines the bot global in sb:
//
//	bot.log(message)          logs at Info level
//	bot.send(session, text)   returns true, or false plus an error string
//	bot.now()                 returns the current Unix time in seconds
//
// Precondition: sb must be open.
// Postcondition: bot global is defined in sb.
func (m *Manager) RegisterModules(sb *Sandbox) {
	_ = sb.Do(func(L *lua.LState) error {
		bot := L.NewTable()
		L.SetField(bot, "log", L.NewFunction(m.luaLog))
		L.SetField(bot, "send", L.NewFunction(m.luaSend))
		L.SetField(bot, "now", L.NewFunction(m.luaNow))
		L.SetGlobal("bot", bot)
		return nil
	})
}

func (m *Manager) luaLog(L *lua.LState) int {
	m.logger.Info("script", zap.String("message", L.CheckString(1)))
	return 0
}

func (m *Manager) luaSend(L *lua.LState) int {
	identity := L.CheckString(1)
	text := L.CheckString(2)
	if m.Send == nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString("sending is not available"))
		return 2
	}
	if err := m.Send(identity, text); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *Manager) luaNow(L *lua.LState) int {
	L.Push(lua.LNumber(m.Now().Unix()))
	return 1
}
