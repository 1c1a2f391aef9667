package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndGet(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("greeter", "pw")
	assert.False(t, ok)

	s.Set("greeter", map[string]string{"pw": "hunter2", "token": "t1"})

	v, ok := s.Get("greeter", "pw")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", v)

	// Packages are isolated.
	_, ok = s.Get("sleeper", "pw")
	assert.False(t, ok)

	// A second Set merges instead of replacing.
	s.Set("greeter", map[string]string{"pw": "hunter3"})
	v, _ = s.Get("greeter", "pw")
	assert.Equal(t, "hunter3", v)
	_, ok = s.Get("greeter", "token")
	assert.True(t, ok)
}

func TestClearWithEmptyValue(t *testing.T) {
	s := NewStore()
	s.Set("greeter", map[string]string{"pw": "hunter2"})
	s.Set("greeter", map[string]string{"pw": ""})

	_, ok := s.Get("greeter", "pw")
	assert.False(t, ok)
	assert.Empty(t, s.Names("greeter"))
}

func TestNamesNeverExposeValues(t *testing.T) {
	s := NewStore()
	s.Set("greeter", map[string]string{"pw": "hunter2", "token": "t1"})

	names := s.Names("greeter")
	assert.ElementsMatch(t, []string{"pw", "token"}, names)
}
