package routes

import (
	"errors"
	"fmt"
	"net/http"
	"plugin"
	"sort"
)

// loadPlugin opens a Go plugin exporting either
//
//	var Routes = map[string]http.HandlerFunc{...}
//
// or the same mapping under the name Default. http.Handler values work too.
func loadPlugin(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}

	if sym, err := p.Lookup("Routes"); err == nil {
		table, err := tableFromSymbol(sym)
		if err != nil {
			return nil, fmt.Errorf("symbol Routes: %w", err)
		}
		return FlatRoutes{Routes: table}, nil
	}

	if sym, err := p.Lookup("Default"); err == nil {
		table, err := tableFromSymbol(sym)
		if err != nil {
			return nil, fmt.Errorf("symbol Default: %w", err)
		}
		return DefaultWrapped{Default: table}, nil
	}

	return nil, errors.New("plugin exports neither Routes nor Default")
}

// tableFromSymbol converts an exported map variable into a Table. Go maps are
// unordered, so routes are sorted by pattern.
func tableFromSymbol(sym interface{}) (Table, error) {
	handlers := map[string]http.Handler{}
	switch v := sym.(type) {
	case *map[string]http.HandlerFunc:
		for pattern, fn := range *v {
			if fn == nil {
				return nil, fmt.Errorf("route %s has a nil handler", pattern)
			}
			handlers[pattern] = fn
		}
	case *map[string]http.Handler:
		for pattern, h := range *v {
			handlers[pattern] = h
		}
	default:
		return nil, fmt.Errorf("unsupported type %T", sym)
	}

	patterns := make([]string, 0, len(handlers))
	for pattern := range handlers {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	table := make(Table, 0, len(patterns))
	for _, pattern := range patterns {
		if handlers[pattern] == nil {
			return nil, fmt.Errorf("route %s has a nil handler", pattern)
		}
		table = append(table, Route{Pattern: pattern, Handler: handlers[pattern]})
	}
	return table, nil
}
