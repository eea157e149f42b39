package plugin

import (
	"errors"
	"fmt"
	"plugin"
)

// The two symbols every plugin binary must export. This pair is the Go
// rendition of a C-ABI create/destroy function pair crossing a dynamic
// library boundary: CreatePlugin hands ownership of a new instance to the
// host, DestroyPlugin takes it back for teardown.
//
// Both use `any` at the boundary so the contract survives being compiled
// into a separate binary; the manager asserts the Plugin capability
// immediately after the handoff and nothing outside this package ever sees
// the raw value.
const (
	CreateSymbol  = "CreatePlugin"
	DestroySymbol = "DestroyPlugin"
)

type (
	CreateFunc  = func() any
	DestroyFunc = func(any)
)

var (
	ErrSymbolMissing = errors.New("plugin symbol missing")
	ErrSymbolType    = errors.New("plugin symbol has wrong type")
	ErrNotAPlugin    = errors.New("create symbol did not return a Plugin")
)

// Library is one opened plugin binary.
type Library interface {
	Path() string
	Lookup(symbol string) (any, error)
	// Close releases the handle. The manager guarantees it is only called
	// after the plugin's Unprepare has completed.
	Close() error
}

// Loader opens plugin binaries. The production loader wraps the runtime's
// dynamic loading; tests substitute an in-process one.
type Loader interface {
	Open(path string) (Library, error)
}

// NewNativeLoader returns the loader backed by the Go plugin runtime.
//
// Caveats inherited from that runtime, which the manager's error handling is
// built to absorb: plugin code is never actually unmapped from the process
// (Close only drops our handle), and reopening a rebuilt binary at the same
// plugin path fails — such a reload surfaces as a recoverable error and is
// retried on later polls rather than crashing the host.
func NewNativeLoader() Loader { return nativeLoader{} }

type nativeLoader struct{}

func (nativeLoader) Open(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %q: %w", path, err)
	}
	return &nativeLibrary{p: p, path: path}, nil
}

type nativeLibrary struct {
	p    *plugin.Plugin
	path string
}

func (l *nativeLibrary) Path() string { return l.path }

func (l *nativeLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %q", ErrSymbolMissing, symbol, l.path)
	}
	return sym, nil
}

func (l *nativeLibrary) Close() error {
	// The Go runtime keeps the mapped code alive for the life of the
	// process; dropping the reference is all we can do here.
	l.p = nil
	return nil
}

// lookupCreate resolves and type-checks the create symbol.
func lookupCreate(lib Library) (CreateFunc, error) {
	sym, err := lib.Lookup(CreateSymbol)
	if err != nil {
		return nil, err
	}
	fn, ok := sym.(CreateFunc)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want func() any", ErrSymbolType, CreateSymbol, sym)
	}
	return fn, nil
}

// lookupDestroy resolves and type-checks the destroy symbol.
func lookupDestroy(lib Library) (DestroyFunc, error) {
	sym, err := lib.Lookup(DestroySymbol)
	if err != nil {
		return nil, err
	}
	fn, ok := sym.(DestroyFunc)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want func(any)", ErrSymbolType, DestroySymbol, sym)
	}
	return fn, nil
}
