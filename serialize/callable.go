// Copyright 2026 The go-taskfarm Authors
// This file is part of the go-taskfarm library.
//
// The go-taskfarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-taskfarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-taskfarm library. If not, see <http://www.gnu.org/licenses/>.

package serialize

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru"
)

// programCacheSize bounds the cache of compiled callables. Identical
// source compiles at most once; entries are keyed by
// (class, attr, md5(source)).
const programCacheSize = 256

var programCache, _ = lru.New(programCacheSize)

// Callable is a transported function: normalized source text plus the
// compiled program. Programs are immutable and safe to share; every
// invocation runs in a fresh interpreter so one message cannot leak state
// into the next.
type Callable struct {
	Source string

	prog *goja.Program
}

// NewCallable normalizes and compiles function source. class and attr
// identify where the source came from and scope the compile cache.
func NewCallable(class, attr, source string) (*Callable, error) {
	source = NormalizeSource(source)

	sum := md5.Sum([]byte(source))
	key := class + "." + attr + "." + hex.EncodeToString(sum[:])
	if cached, ok := programCache.Get(key); ok {
		return &Callable{Source: source, prog: cached.(*goja.Program)}, nil
	}
	// Wrap in parens so a function declaration evaluates to a value.
	prog, err := goja.Compile(key, "("+source+")", false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", key, err)
	}
	programCache.Add(key, prog)
	return &Callable{Source: source, prog: prog}, nil
}

// MustCallable is a NewCallable that panics on bad source; for use with
// sources known at compile time (defaults and tests).
func MustCallable(class, attr, source string) *Callable {
	c, err := NewCallable(class, attr, source)
	if err != nil {
		panic(err)
	}
	return c
}

// Invoke runs the callable on the given arguments in an isolated
// evaluation context and returns the exported result.
func (c *Callable) Invoke(args ...interface{}) (interface{}, error) {
	vm := goja.New()
	v, err := vm.RunProgram(c.prog)
	if err != nil {
		return nil, fmt.Errorf("materialize callable: %w", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("callable source did not evaluate to a function")
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}
	res, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, fmt.Errorf("invoke callable: %w", err)
	}
	return res.Export(), nil
}

// NormalizeSource strips uniform leading indentation so the defining line
// begins at column 1, then trims surrounding whitespace.
func NormalizeSource(source string) string {
	// The dedent width is the defining line's own indentation, measured
	// from the last newline before the token.
	indent := 0
	if idx := strings.Index(source, "function"); idx > 0 {
		indent = idx - strings.LastIndexByte(source[:idx], '\n') - 1
	}
	if indent > 0 {
		lines := strings.Split(source, "\n")
		for i, line := range lines {
			cut := 0
			for cut < indent && cut < len(line) && unicode.IsSpace(rune(line[cut])) {
				cut++
			}
			lines[i] = line[cut:]
		}
		source = strings.Join(lines, "\n")
	}
	return strings.TrimSpace(source)
}
