package server

import (
	"path/filepath"
	"strings"
	"testing"
)

func FuzzIsEnvName(f *testing.F) {
	for _, s := range []string{"PATH", "", "1abc", "A=B", "_", "name\x00null", "한글"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, name string) {
		ok := isEnvName(name)
		if ok && strings.ContainsAny(name, "= \x00") {
			t.Errorf("accepted unsafe name %q", name)
		}
		if ok && name[0] >= '0' && name[0] <= '9' {
			t.Errorf("accepted leading digit %q", name)
		}
	})
}

func FuzzIsSafeAbsPath(f *testing.F) {
	for _, s := range []string{"", "/", "/tmp/x", "/tmp/../etc", "relative", "/a//b", `C:\x`} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, p string) {
		if len(p) > 512 {
			t.Skip("path too long")
		}
		if !isSafeAbsPath(p) || p == "" {
			return
		}
		if !filepath.IsAbs(p) {
			t.Errorf("accepted relative path %q", p)
		}
		sep := string(filepath.Separator)
		if strings.Contains(p, sep+".."+sep) || strings.HasSuffix(p, sep+"..") {
			t.Errorf("accepted traversal %q", p)
		}
	})
}

func FuzzSanitizeBase(f *testing.F) {
	for _, s := range []string{"", "/", "api", "/api/", " /x/y/ ", "//"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, in string) {
		out := sanitizeBase(in)
		if out == "" {
			return
		}
		if !strings.HasPrefix(out, "/") {
			t.Errorf("sanitizeBase(%q) = %q lacks leading slash", in, out)
		}
		if strings.HasSuffix(out, "/") {
			t.Errorf("sanitizeBase(%q) = %q has trailing slash", in, out)
		}
	})
}
