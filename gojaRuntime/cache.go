package goja_runtime

import (
	"sync"

	"github.com/dop251/goja"
)

const maxCachedPrograms = 256

// programCache keeps compiled programs keyed by source hash so evaluating the
// same source twice skips parsing.
type programCache struct {
	cache map[string]*goja.Program
	lock  sync.Mutex
}

func newProgramCache() *programCache {
	return &programCache{
		cache: map[string]*goja.Program{},
	}
}

func (cache *programCache) cacheProgram(key string, loader func() (*goja.Program, error)) (*goja.Program, error) {
	cache.lock.Lock()
	defer cache.lock.Unlock()
	if program, ok := cache.cache[key]; ok {
		return program, nil
	}

	program, err := loader()
	if err != nil {
		return nil, err
	}
	if len(cache.cache) >= maxCachedPrograms {
		cache.cache = map[string]*goja.Program{}
	}
	cache.cache[key] = program

	return program, nil
}
