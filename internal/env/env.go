// Package env composes the environment handed to child processes: the
// inherited process environment, gatekeeper's own overrides (runtime PATH,
// provider API keys) and per-launch entries.
package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env layers overrides on top of a base environment.
type Env struct {
	Var  Var // overrides applied on top of base
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromList parses "K=V" entries. Entries without '=' or with an empty key
// are skipped; later entries win.
func FromList(list []string) Var {
	m := make(Var, len(list))
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// FromOS snapshots the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.base = FromList(os.Environ())
	return e
}

// WithBase replaces the base environment.
func (e *Env) WithBase(list []string) *Env {
	e.base = FromList(list)
	return e
}

// WithSet sets an override and returns e.
func (e *Env) WithSet(k, v string) *Env {
	if k == "" {
		return e
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// WithVars applies every entry of vars as an override.
func (e *Env) WithVars(vars map[string]string) *Env {
	for k, v := range vars {
		e.WithSet(k, v)
	}
	return e
}

func (e *Env) ensureBase() {
	if e.base == nil {
		e.FromOS()
	}
}

// Lookup returns the effective value of k before per-launch entries.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	e.ensureBase()
	v, ok := e.base[k]
	return v, ok
}

// PathKey returns the name used for the search path. Windows keeps
// whatever casing the inherited environment uses.
func (e *Env) PathKey() string {
	e.ensureBase()
	for _, m := range []Var{e.Var, e.base} {
		for k := range m {
			if strings.EqualFold(k, "PATH") {
				return k
			}
		}
	}
	return "PATH"
}

// PrependPath puts dir in front of the effective search path and records
// the result as an override. The existing value is dropped when blank.
func (e *Env) PrependPath(dir, sep string) string {
	key := e.PathKey()
	parts := []string{dir}
	if cur, ok := e.Lookup(key); ok && strings.TrimSpace(cur) != "" {
		parts = append(parts, cur)
	}
	v := strings.Join(parts, sep)
	e.WithSet(key, v)
	return v
}

// Merge composes base, overrides and then extra ("K=V" entries) and
// returns a sorted "K=V" list. ${VAR} references are expanded once against
// the composed map; unknown references are left as is.
func (e *Env) Merge(extra []string) []string {
	e.ensureBase()
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range FromList(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
