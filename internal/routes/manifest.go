package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// routeSpec is one entry of a route manifest.
//
//	/hello:
//	  status: 200
//	  headers: {X-Dev: "1"}
//	  body: {message: "hello"}
//	/users:
//	  file: fixtures/users.json
type routeSpec struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Body    interface{}       `yaml:"body"`
	File    string            `yaml:"file"`
}

func loadManifest(path string) (Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("manifest is empty")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("manifest must be a mapping of route patterns")
	}

	dir := filepath.Dir(path)
	if len(root.Content) == 2 && root.Content[0].Value == "default" {
		wrapped := root.Content[1]
		if wrapped.Kind != yaml.MappingNode {
			return nil, errors.New("default export must be a mapping of route patterns")
		}
		table, err := parseTable(wrapped, dir)
		if err != nil {
			return nil, err
		}
		return DefaultWrapped{Default: table}, nil
	}

	table, err := parseTable(root, dir)
	if err != nil {
		return nil, err
	}
	return FlatRoutes{Routes: table}, nil
}

// parseTable walks the mapping node so manifest order is kept.
func parseTable(node *yaml.Node, dir string) (Table, error) {
	table := make(Table, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pattern := node.Content[i].Value
		if !strings.HasPrefix(pattern, "/") {
			return nil, fmt.Errorf("route %q must start with /", pattern)
		}

		var spec routeSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("route %s: %w", pattern, err)
		}

		handler, err := newManifestHandler(spec, dir)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", pattern, err)
		}
		table = append(table, Route{Pattern: pattern, Handler: handler})
	}
	return table, nil
}

// manifestHandler answers with a fixed status, headers and body. File bodies
// are read on every request so fixture edits show up without a restart.
type manifestHandler struct {
	status  int
	headers map[string]string
	body    []byte
	file    string
}

func newManifestHandler(spec routeSpec, dir string) (*manifestHandler, error) {
	if spec.File != "" && spec.Body != nil {
		return nil, errors.New("body and file are mutually exclusive")
	}

	h := &manifestHandler{
		status:  spec.Status,
		headers: spec.Headers,
	}
	if h.status == 0 {
		h.status = http.StatusOK
	}
	if h.status < 100 || h.status > 999 {
		return nil, fmt.Errorf("invalid status %d", spec.Status)
	}

	switch body := spec.Body.(type) {
	case nil:
	case string:
		h.body = []byte(body)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		h.body = encoded
	}

	if spec.File != "" {
		h.file = spec.File
		if !filepath.IsAbs(h.file) {
			h.file = filepath.Join(dir, h.file)
		}
	}
	return h, nil
}

func (h *manifestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := h.body
	if h.file != "" {
		data, err := os.ReadFile(h.file)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		body = data
	}

	for k, v := range h.headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(h.status)
	_, _ = w.Write(body)
}
