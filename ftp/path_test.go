package ftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		current string
		input   string
		want    string
	}{
		{"absolute", "/a/b", "/c", "/c"},
		{"relative", "/a", "b", "/a/b"},
		{"relative from root", "/", "docs", "/docs"},
		{"parent", "/a/b", "..", "/a"},
		{"parent of root", "/", "..", "/"},
		{"escape attempt", "/", "../../etc/passwd", "/etc/passwd"},
		{"absolute escape", "/a", "/../../x", "/x"},
		{"dot segments", "/a", "./b/./c", "/a/b/c"},
		{"double slashes", "/a", "b//c/", "/a/b/c"},
		{"mixed", "/a/b", "c/../../d", "/a/d"},
		{"consecutive parents", "/a/b/c", "x/../../..", "/a"},
		{"backslashes", "/a", `b\c`, "/a/b/c"},
		{"root", "/a/b", "/", "/"},
		{"trailing parent", "/a/b/c", "d/..", "/a/b/c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.current, tt.input))
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	for _, input := range []string{"/", "/a/b", "../x", "a/./b/../c", `\win\path`} {
		once := Resolve("/base", input)
		assert.Equal(t, once, Resolve("/", once), input)
		assert.Equal(t, once, Resolve("/elsewhere", once), input)
	}
}

func TestParentPath(t *testing.T) {
	assert.Equal(t, "/", parentPath("/"))
	assert.Equal(t, "/", parentPath("/a"))
	assert.Equal(t, "/a", parentPath("/a/b"))
}
