package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
)

// GeoprocessFunc is an in-process plugin entry point. It receives the
// dispatch bag and returns {output_url} or {output_urls | tiles, tiling}.
type GeoprocessFunc func(ctx context.Context, geoprocess string, params map[string]interface{}) (map[string]interface{}, error)

var (
	pluginsMu sync.RWMutex
	plugins   = make(map[string]GeoprocessFunc)
)

// Register makes a plugin available to NewInProcess under name.
func Register(name string, fn GeoprocessFunc) error {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	if name == "" || fn == nil {
		return fmt.Errorf("plugin name and function are required: %w", core.ErrInvalidConfiguration)
	}
	if _, exists := plugins[name]; exists {
		return fmt.Errorf("plugin %q: %w", name, core.ErrAlreadyRegistered)
	}
	plugins[name] = fn
	return nil
}

// Plugins lists registered plugin names.
func Plugins() []string {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InProcess runs a registered plugin in the current process.
type InProcess struct {
	plugin string
	fn     GeoprocessFunc
	logger core.Logger
}

// NewInProcess binds the named registered plugin.
func NewInProcess(plugin string, logger core.Logger) (*InProcess, error) {
	pluginsMu.RLock()
	fn, ok := plugins[plugin]
	pluginsMu.RUnlock()
	if !ok {
		return nil, &core.FrameworkError{
			Op:      "backend.NewInProcess",
			Kind:    "config",
			ID:      plugin,
			Message: fmt.Sprintf("no plugin registered as %q (registered: %v)", plugin, Plugins()),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return NewInProcessFunc(plugin, fn, logger), nil
}

// NewInProcessFunc wraps a function directly, bypassing the registry.
func NewInProcessFunc(name string, fn GeoprocessFunc, logger core.Logger) *InProcess {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &InProcess{plugin: name, fn: fn, logger: logger}
}

func (p *InProcess) Name() string { return "inprocess:" + p.plugin }

// Execute calls the plugin. Plugin errors and panics become BackendError.
func (p *InProcess) Execute(ctx context.Context, geoprocess string, params geo.Params) (result ExecutionResult, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Plugin panicked", map[string]interface{}{
				"operation":  "backend.inprocess.execute",
				"plugin":     p.plugin,
				"geoprocess": geoprocess,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
			result = nil
			err = &BackendError{Geoprocess: geoprocess, Detail: fmt.Sprintf("plugin panic: %v", r)}
		}
	}()

	out, callErr := p.fn(ctx, geoprocess, params.Dispatch())
	if callErr != nil {
		return nil, &BackendError{Geoprocess: geoprocess, Detail: callErr.Error(), Err: callErr}
	}

	data, encErr := json.Marshal(out)
	if encErr != nil {
		return nil, &BackendError{Geoprocess: geoprocess, Detail: fmt.Sprintf("unencodable plugin result: %v", encErr)}
	}
	res, decErr := decodeResult(data)
	if decErr != nil {
		return nil, &BackendError{Geoprocess: geoprocess, Detail: decErr.Error()}
	}
	return res, nil
}

// New builds the single backend selected by configuration.
func New(cfg core.BackendConfig, logger core.Logger) (Executor, error) {
	switch cfg.Mode {
	case core.BackendRemote:
		return NewRemote(cfg.BaseURL, cfg.Timeout, WithRemoteLogger(logger))
	case core.BackendInProcess:
		return NewInProcess(cfg.Plugin, logger)
	default:
		return nil, &core.FrameworkError{
			Op:      "backend.New",
			Kind:    "config",
			Message: fmt.Sprintf("unknown backend mode %q", cfg.Mode),
			Err:     core.ErrInvalidConfiguration,
		}
	}
}
