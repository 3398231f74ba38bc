package classmatcher

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeClassTree(t *testing.T, files ...string) string {
	root, err := ioutil.TempDir("", "classmatcher")
	require.NoError(t, err)
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, ioutil.WriteFile(path, []byte{0xca, 0xfe, 0xba, 0xbe}, 0644))
	}
	return root
}

func TestMatcherNestedClassesExcluded(t *testing.T) {

	root := makeClassTree(t, "org/voltdb/Foo.class", "org/voltdb/Foo$Inner.class")
	defer os.RemoveAll(root)

	m := New(nil, root)
	require.NoError(t, m.AddPattern("org.voltdb.**"))
	assert.Equal(t, []string{"org.voltdb.Foo"}, m.MatchedClassList())
}

func TestMatcherWildcards(t *testing.T) {

	root := makeClassTree(t,
		"org/voltdb/Foo.class",
		"org/voltdb/FooBar.class",
		"org/voltdb/sub/Baz.class",
		"org/voltdbx/Other.class",
		"com/example/Proc.class",
		"org/voltdb/README.txt",
	)
	defer os.RemoveAll(root)

	t.Run("single star stays in package", func(t *testing.T) {
		m := New(nil, root)
		require.NoError(t, m.AddPattern("org.voltdb.*"))
		assert.Equal(t, []string{"org.voltdb.Foo", "org.voltdb.FooBar"}, m.MatchedClassList())
	})

	t.Run("double star spans packages", func(t *testing.T) {
		m := New(nil, root)
		require.NoError(t, m.AddPattern("org.voltdb.**"))
		assert.Equal(t, []string{"org.voltdb.Foo", "org.voltdb.FooBar", "org.voltdb.sub.Baz"},
			m.MatchedClassList())
	})

	t.Run("dots are literal", func(t *testing.T) {
		m := New(nil, root)
		require.NoError(t, m.AddPattern("org.voltdbx.Other"))
		require.NoError(t, m.AddPattern("org.voltdb.Fo"))
		assert.Equal(t, []string{"org.voltdbx.Other"}, m.MatchedClassList())
	})

	t.Run("partial star and accumulation", func(t *testing.T) {
		m := New(nil, root)
		require.NoError(t, m.AddPattern("org.voltdb.*Bar"))
		require.NoError(t, m.AddPattern("com.**"))
		assert.Equal(t, []string{"com.example.Proc", "org.voltdb.FooBar"}, m.MatchedClassList())
	})

	t.Run("nested pattern matches enclosing class", func(t *testing.T) {
		m := New(nil, root)
		require.NoError(t, m.AddPattern("org.voltdb.Foo$Inner"))
		assert.Equal(t, []string{"org.voltdb.Foo"}, m.MatchedClassList())
	})

	t.Run("clear", func(t *testing.T) {
		m := New(nil, root)
		require.NoError(t, m.AddPattern("**"))
		assert.Len(t, m.MatchedClassList(), 5)
		m.Clear()
		assert.Empty(t, m.MatchedClassList())
		require.NoError(t, m.AddPattern("**"))
		assert.Empty(t, m.MatchedClassList())
	})
}

func TestMatcherSkipsNonDirectoryRoots(t *testing.T) {

	root := makeClassTree(t, "a/B.class")
	defer os.RemoveAll(root)

	archive := filepath.Join(root, "procs.jar")
	require.NoError(t, ioutil.WriteFile(archive, []byte("PK"), 0644))

	m := New(nil, archive, filepath.Join(root, "missing"), root)
	require.NoError(t, m.AddPattern("a.*"))
	assert.Equal(t, []string{"a.B"}, m.MatchedClassList())
}
