package bpath

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ustr"
)

// TestSplitExamples is scenario S4: the exact corner cases the
// path-parsing contract enumerates.
func TestSplitExamples(t *testing.T) {
	cases := []struct {
		path           string
		parent, base string
	}{
		{"/a/b/c", "/a/b", "c"},
		{"a/b/c/", "a/b", "c"},
		{"a///b/", "a", "b"},
		{"/a", "/", "a"},
		{"/", "", "/"},
		{"a", "", "a"},
	}
	for _, c := range cases {
		parent, base := Split(ustr.Ustr(c.path))
		assert.Equal(t, c.parent, parent.String(), "parent of %q", c.path)
		assert.Equal(t, c.base, base.String(), "base of %q", c.path)
	}
}

func TestCanonicalize(t *testing.T) {
	cases := []struct{ in, out string }{
		{"/a/./b/../c", "/a/c"},
		{"a/./b", "a/b"},
		{"/../a", "/a"},
		{"", "."},
		{"/", "/"},
		{"a//b///c", "a/b/c"},
	}
	for _, c := range cases {
		got := Canonicalize(ustr.Ustr(c.in))
		assert.Equal(t, c.out, got.String(), "canonicalize %q", c.in)
	}
}

// TestPathCombineIdentity relates to the round-trip property
// path_combine(p, "") == p: it checks that Split("/a/b/c") yields the
// parent "/a/b" and base "c" that join back to p. The join itself is not
// performed here.
func TestPathCombineIdentity(t *testing.T) {
	p := ustr.Ustr("/a/b/c")
	parent, base := Split(p)
	assert.Equal(t, "/a/b", parent.String())
	assert.Equal(t, "c", base.String())
}
