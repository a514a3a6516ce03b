// Package routes loads the API route module.
//
// A route module is either a flat mapping from route pattern to handler, or
// the same mapping wrapped under a "default" key. Both shapes are modelled as
// variants of Module and normalized to one Table before registration.
package routes

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// Route binds a route pattern to its handler.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Table is an ordered list of routes. The order only decides the order in
// which registrations are logged; dispatch precedence belongs to the router.
type Table []Route

// Patterns lists the route patterns in table order.
func (t Table) Patterns() []string {
	out := make([]string, 0, len(t))
	for _, r := range t {
		out = append(out, r.Pattern)
	}
	return out
}

// Module is a loaded route module: FlatRoutes or DefaultWrapped.
type Module interface {
	isModule()
}

// FlatRoutes is a module whose top level is the route mapping.
type FlatRoutes struct {
	Routes Table
}

// DefaultWrapped is a module exposing its mapping under "default".
type DefaultWrapped struct {
	Default Table
}

func (FlatRoutes) isModule()     {}
func (DefaultWrapped) isModule() {}

// Normalize returns the route table of any module variant.
func Normalize(m Module) Table {
	switch m := m.(type) {
	case FlatRoutes:
		return m.Routes
	case DefaultWrapped:
		return m.Default
	default:
		return nil
	}
}

// LoadError reports a route module that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("route module load failed for %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Loader loads a route module from an entry path relative to the project
// root.
type Loader interface {
	Load(projectRoot, entry string) (Module, error)
}

// FileLoader picks the module format from the entry's extension: YAML or
// JSON manifests, or Go plugins (.so).
type FileLoader struct{}

// NewLoader returns the default Loader.
func NewLoader() *FileLoader {
	return &FileLoader{}
}

func (l *FileLoader) Load(projectRoot, entry string) (Module, error) {
	path := entry
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectRoot, entry)
	}

	var (
		m   Module
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		m, err = loadManifest(path)
	case ".so":
		m, err = loadPlugin(path)
	default:
		err = fmt.Errorf("unsupported route module type %q", ext)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return m, nil
}
