package server

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocketPathForIsStableAndDistinct(t *testing.T) {
	a := SocketPathFor("/data/one.csv")
	b := SocketPathFor("/data/one.csv")
	c := SocketPathFor("/data/two.csv")

	require.Equal(t, a, b, "hashing the same path twice must agree")
	require.NotEqual(t, a, c, "different source paths must not collide")
}

func TestSocketPathForHonorsSocketDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CSVQUERY_SOCKET_DIR", dir)

	path := SocketPathFor("/data/one.csv")
	require.Equal(t, dir, dirOf(path))
}

func dirOf(path string) string {
	idx := len(path) - 1
	for idx >= 0 && !os.IsPathSeparator(path[idx]) {
		idx--
	}
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
