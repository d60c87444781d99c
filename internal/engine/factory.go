package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Platform is the deployment platform, fixed at process start.
type Platform int

const (
	PlatformDesktop Platform = iota
	PlatformHeadless
)

func (p Platform) String() string {
	switch p {
	case PlatformDesktop:
		return "desktop"
	case PlatformHeadless:
		return "headless"
	default:
		return "unknown"
	}
}

// ParsePlatform maps a configuration value to a Platform.
func ParsePlatform(raw string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "desktop", "mpv":
		return PlatformDesktop, nil
	case "headless", "sim":
		return PlatformHeadless, nil
	default:
		return 0, fmt.Errorf("unknown platform %q", raw)
	}
}

// Key indexes the dispatch table.
type Key struct {
	Platform Platform
	Type     Type
}

func (k Key) String() string {
	return k.Platform.String() + "/" + k.Type.String()
}

// Options are passed to every engine constructor.
type Options struct {
	Sink   Sink
	Logger *slog.Logger

	// MPVBinary and MPVArgs configure process-backed engines.
	MPVBinary string
	MPVArgs   []string
	// SocketDir holds IPC sockets; os.TempDir() when empty.
	SocketDir string
}

// Constructor builds an engine. A nil engine with a nil error is treated as
// a bind failure.
type Constructor func(opts Options) (Engine, error)

// Table maps selection keys to constructors.
type Table map[Key]Constructor

// DefaultTable returns the built-in dispatch table.
func DefaultTable() Table {
	return Table{
		{PlatformDesktop, Normal}:     NewMPV,
		{PlatformDesktop, Broadcast}:  NewBroadcastMPV,
		{PlatformHeadless, Normal}:    NewSim,
		{PlatformHeadless, Broadcast}: NewBroadcastSim,
	}
}

// Factory selects and instantiates engines. It only constructs: destroying a
// previously bound engine is the caller's job.
type Factory struct {
	table Table
	base  Options
}

// NewFactory returns a Factory over table. base is copied into every
// constructor call with the per-bind sink filled in.
func NewFactory(table Table, base Options) *Factory {
	if base.Logger == nil {
		base.Logger = slog.Default()
	}
	return &Factory{table: table, base: base}
}

// Bind constructs the engine registered for (platform, t). Missing entries
// and constructor failures are reported as ErrBindFailed.
func (f *Factory) Bind(t Type, platform Platform, sink Sink) (Engine, error) {
	key := Key{Platform: platform, Type: t}
	ctor, ok := f.table[key]
	if !ok || ctor == nil {
		return nil, fmt.Errorf("%w: no engine registered for %s", ErrBindFailed, key)
	}

	opts := f.base
	opts.Sink = sink
	if opts.Sink == nil {
		opts.Sink = func(Event) {}
	}
	opts.Logger = f.base.Logger.With(slog.String("engine", key.String()))

	eng, err := ctor(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBindFailed, key, err)
	}
	if eng == nil {
		return nil, fmt.Errorf("%w: %s constructor returned no engine", ErrBindFailed, key)
	}
	return eng, nil
}

// Keys lists the registered selection keys, sorted for diagnostics.
func (f *Factory) Keys() []Key {
	keys := lo.Keys(f.table)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Platform != keys[j].Platform {
			return keys[i].Platform < keys[j].Platform
		}
		return keys[i].Type < keys[j].Type
	})
	return keys
}
