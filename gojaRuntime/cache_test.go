package goja_runtime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
)

func TestProgramCache(t *testing.T) {
	cache := newProgramCache()
	assert := assert.New(t)

	loads := 0
	loader := func() (*goja.Program, error) {
		loads++
		return goja.Compile("", "1", false)
	}

	first, err := cache.cacheProgram("one", loader)
	assert.Nil(err)
	second, err := cache.cacheProgram("one", loader)
	assert.Nil(err)
	assert.Same(first, second)
	assert.Equal(1, loads)

	_, err = cache.cacheProgram("broken", func() (*goja.Program, error) {
		return nil, errors.New("syntax")
	})
	assert.Error(err)
	assert.NotContains(cache.cache, "broken")

	for i := 0; i < maxCachedPrograms; i++ {
		_, err := cache.cacheProgram(fmt.Sprintf("key-%d", i), loader)
		assert.Nil(err)
	}
	assert.LessOrEqual(len(cache.cache), maxCachedPrograms)
}
