// Package livereload serves a directory of static files and tells connected
// browsers to reload when anything under it changes.
package livereload

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Path is the websocket endpoint browsers connect to.
const Path = "/__livereload"

const reloadMessage = "reload"

const clientScript = `<script>(function(){` +
	`var p=location.protocol==="https:"?"wss:":"ws:";` +
	`var s=new WebSocket(p+"//"+location.host+"` + Path + `");` +
	`s.onmessage=function(e){if(e.data==="` + reloadMessage + `")location.reload();};` +
	`})();</script>`

// Server is an http.Handler serving files from a root directory.
type Server struct {
	root     string
	logger   zerolog.Logger
	files    http.Handler
	upgrader websocket.Upgrader
	debounce time.Duration
	onReload func()

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithDebounce sets how long the watcher waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) {
		s.debounce = d
	}
}

// WithReloadHook registers a callback run on every broadcast.
func WithReloadHook(fn func()) Option {
	return func(s *Server) {
		s.onReload = fn
	}
}

// New creates a live-reload file server for root. Call Watch to start
// watching for changes.
func New(root string, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		root:     root,
		logger:   logger.With().Str("component", "livereload").Logger(),
		files:    http.FileServer(http.Dir(root)),
		debounce: 100 * time.Millisecond,
		onReload: func() {},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == Path {
		s.handleSocket(w, r)
		return
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if name, ok := s.htmlFile(r.URL.Path); ok {
			s.serveHTML(w, r, name)
			return
		}
	}

	s.files.ServeHTTP(w, r)
}

// htmlFile maps a request path to an HTML file under root, following
// directory index files the way http.FileServer does.
func (s *Server) htmlFile(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	name := filepath.Join(s.root, filepath.FromSlash(clean))

	info, err := os.Stat(name)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		// Let the file server issue its trailing slash redirect.
		if !strings.HasSuffix(urlPath, "/") {
			return "", false
		}
		name = filepath.Join(name, "index.html")
		if info, err = os.Stat(name); err != nil || info.IsDir() {
			return "", false
		}
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return name, true
	}
	return "", false
}

func (s *Server) serveHTML(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		http.Error(w, "404 page not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(Inject(buf.Bytes())))
}

// Inject adds the reload client script before the closing body tag, or at
// the end of the document when there is none.
func Inject(html []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(html), []byte("</body>"))
	if idx == -1 {
		return append(append([]byte{}, html...), clientScript...)
	}

	out := make([]byte, 0, len(html)+len(clientScript))
	out = append(out, html[:idx]...)
	out = append(out, clientScript...)
	return append(out, html[idx:]...)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Live reload client connected")

	go func() {
		// Browsers never send anything; reading detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.drop(conn)
	}()
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		_ = conn.Close()
	}
}

// Clients returns the number of connected browsers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast tells every connected browser to reload.
func (s *Server) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reloadMessage)); err != nil {
			s.logger.Debug().Err(err).Msg("Dropping live reload client")
			delete(s.clients, conn)
			_ = conn.Close()
		}
	}
	s.onReload()
	s.logger.Info().Int("clients", len(s.clients)).Msg("Reloading browsers")
}

// Watch starts watching root recursively. Changes are debounced and then
// broadcast.
func (s *Server) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	if err := s.addTree(s.root); err != nil {
		_ = w.Close()
		return err
	}

	go s.loop()
	s.logger.Info().Str("root", s.root).Msg("Watching for changes")
	return nil
}

func (s *Server) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return s.watcher.Add(p)
	})
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

func (s *Server) loop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(info.Name()) {
					if err := s.addTree(event.Name); err != nil {
						s.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			s.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			if timer == nil {
				timer = time.AfterFunc(s.debounce, s.Broadcast)
			} else {
				timer.Reset(s.debounce)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("File watcher error")
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops the watcher and disconnects every browser.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for conn := range s.clients {
			_ = conn.Close()
			delete(s.clients, conn)
		}
	})
	return err
}
