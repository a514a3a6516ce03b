// Package browser opens URLs in the user's default browser.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog"
)

// Command returns the program and arguments that open url on goos.
func Command(goos, url string) (string, []string, error) {
	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	case "linux", "freebsd", "netbsd", "openbsd":
		return "xdg-open", []string{url}, nil
	default:
		return "", nil, fmt.Errorf("unsupported platform %q", goos)
	}
}

// Opener launches a browser without waiting for it to exit.
type Opener struct {
	logger zerolog.Logger
	goos   string
	start  func(name string, args ...string) error
}

// NewOpener creates an Opener for the current platform.
func NewOpener(logger zerolog.Logger) *Opener {
	return &Opener{
		logger: logger.With().Str("component", "browser").Logger(),
		goos:   runtime.GOOS,
		start:  startDetached,
	}
}

func startDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Open opens url. Failing to launch a browser is logged and returned; it
// never affects the servers.
func (o *Opener) Open(url string) error {
	name, args, err := Command(o.goos, url)
	if err != nil {
		o.logger.Warn().Err(err).Str("url", url).Msg("Cannot open browser")
		return err
	}

	if err := o.start(name, args...); err != nil {
		o.logger.Warn().Err(err).Str("command", name).Str("url", url).Msg("Failed to open browser")
		return fmt.Errorf("open browser: %w", err)
	}

	o.logger.Info().Str("url", url).Msg("Opened browser")
	return nil
}
