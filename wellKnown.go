package script_runtime

import (
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

type WellKnownEngine string

const (
	JavaScript WellKnownEngine = "js"
	Python     WellKnownEngine = "python"
	Lua        WellKnownEngine = "lua"
	// Groovy has no bundled provider and resolves only once one is registered.
	Groovy WellKnownEngine = "groovy"
)

var WellKnownEngines = []WellKnownEngine{JavaScript, Python, Lua, Groovy}

func (s *Scripts) GetWellKnown(engine WellKnownEngine) (*engineRegistry.Instance, error) {
	return s.GetEngine(string(engine))
}

func (s *Scripts) CreateWellKnown(engine WellKnownEngine) (*engineRegistry.Instance, error) {
	return s.CreateEngine(string(engine))
}

func (s *Scripts) GetJsEngine() (*engineRegistry.Instance, error) {
	return s.GetWellKnown(JavaScript)
}

func (s *Scripts) CreateJsEngine() (*engineRegistry.Instance, error) {
	return s.CreateWellKnown(JavaScript)
}

func (s *Scripts) GetPythonEngine() (*engineRegistry.Instance, error) {
	return s.GetWellKnown(Python)
}

func (s *Scripts) CreatePythonEngine() (*engineRegistry.Instance, error) {
	return s.CreateWellKnown(Python)
}

func (s *Scripts) GetLuaEngine() (*engineRegistry.Instance, error) {
	return s.GetWellKnown(Lua)
}

func (s *Scripts) CreateLuaEngine() (*engineRegistry.Instance, error) {
	return s.CreateWellKnown(Lua)
}

func (s *Scripts) GetGroovyEngine() (*engineRegistry.Instance, error) {
	return s.GetWellKnown(Groovy)
}

func (s *Scripts) CreateGroovyEngine() (*engineRegistry.Instance, error) {
	return s.CreateWellKnown(Groovy)
}
