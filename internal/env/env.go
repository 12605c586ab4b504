package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment of a launched application from the agent's
// own environment plus configured overrides.
type Env struct {
	Var  Var // overrides (K->V)
	base Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// SetBase replaces the base environment with kvs ("K=V").
func (e *Env) SetBase(kvs []string) {
	e.base = parse(kvs)
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// Clone returns an independent copy sharing nothing with e.
func (e *Env) Clone() *Env {
	c := &Env{Var: make(Var, len(e.Var))}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

// PrependPath puts dir in front of the search path.
func (e *Env) PrependPath(dir string) {
	if e.base == nil {
		e.FromOS()
	}
	key := e.pathKey()
	cur, ok := e.Var[key]
	if !ok {
		cur = e.base[key]
	}
	if cur == "" {
		e.Set(key, dir)
		return
	}
	e.Set(key, dir+string(os.PathListSeparator)+cur)
}

// pathKey returns the spelling of PATH already in use; Windows keeps "Path".
func (e *Env) pathKey() string {
	for _, m := range []Var{e.Var, e.base} {
		for k := range m {
			if strings.EqualFold(k, "PATH") {
				return k
			}
		}
	}
	return "PATH"
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then overrides, then extra ("K=V").
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(extra) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
