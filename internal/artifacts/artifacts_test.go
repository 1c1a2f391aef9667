package artifacts

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAndPayloads(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := s.Allocate(7, "greeter", "greet")
	require.NoError(t, err)
	assert.Equal(t, "7-greeter-greet", dir.Rel)
	assert.DirExists(t, dir.Abs)

	require.NoError(t, s.WriteInput(dir, []byte(`{"name":"Ada"}`)))
	require.NoError(t, s.WriteResult(dir, []byte(`"Hello Ada!"`)))

	got, err := os.ReadFile(filepath.Join(dir.Abs, InputFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got))

	f, err := s.Open(dir.Rel, ResultFile)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, `"Hello Ada!"`, string(data))
}

func TestResolve(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir := s.Resolve("3-greeter-greet")
	assert.Equal(t, "3-greeter-greet", dir.Rel)
	assert.Equal(t, filepath.Join(s.Base(), "3-greeter-greet"), dir.Abs)

	assert.Equal(t, RunDir{}, s.Resolve(""))
}

func TestOpenRejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	dir, err := s.Allocate(1, "greeter", "greet")
	require.NoError(t, err)
	require.NoError(t, s.WriteInput(dir, []byte(`{}`)))

	cases := []struct{ rel, name string }{
		{dir.Rel, "../" + InputFile},
		{dir.Rel, "a/b"},
		{dir.Rel, ".."},
		{"..", InputFile},
		{"", InputFile},
	}
	for _, tc := range cases {
		_, err := s.Open(tc.rel, tc.name)
		assert.Error(t, err, "rel=%q name=%q must be rejected", tc.rel, tc.name)
	}
}
