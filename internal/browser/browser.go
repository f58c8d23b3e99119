// Package browser drives the windows an authorization flow runs in.
//
// The session manager only sees the Launcher interface. System opens the user's default
// browser; Embedded asks the UI shell to open an in-app window by publishing window
// commands on the event bus; Print writes the URL for the user to open by hand.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"github.com/florianilch/kirodesk/internal/events"
)

// Launcher opens and closes authorization windows. Labels are empty for the system browser.
type Launcher interface {
	Open(ctx context.Context, label, url string) error
	Close(ctx context.Context, label string) error
}

// Mode names the window variant a session runs in.
type Mode string

const (
	ModeSystem   Mode = "system-browser"
	ModeEmbedded Mode = "embedded-window"
	ModeDevice   Mode = "device"
)

var errEmptyURL = errors.New("empty url")

// CommandFunc builds the command that opens url.
type CommandFunc func(ctx context.Context, url string) *exec.Cmd

// System opens URLs with the platform opener. Close is a no-op, the system browser's
// tabs are not ours to close.
type System struct {
	command  CommandFunc
	fallback io.Writer
}

// Compile-time check that System implements Launcher
var _ Launcher = (*System)(nil)

// SystemOption configures System.
type SystemOption func(*System)

// WithCommand replaces the platform opener.
func WithCommand(fn CommandFunc) SystemOption {
	return func(s *System) {
		s.command = fn
	}
}

// WithFallback prints the URL to w when the opener cannot be started.
func WithFallback(w io.Writer) SystemOption {
	return func(s *System) {
		s.fallback = w
	}
}

// NewSystem creates a System launcher for the running platform.
func NewSystem(opts ...SystemOption) *System {
	s := &System{command: platformCommand}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func platformCommand(ctx context.Context, url string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", url)
	case "windows":
		// cmd /c start would split the URL at '&'
		return exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return exec.CommandContext(ctx, "xdg-open", url)
	}
}

// Open starts the opener and returns without waiting for the browser.
func (s *System) Open(ctx context.Context, _ string, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errEmptyURL
	}

	// The opener must outlive the request that triggered it.
	cmd := s.command(context.WithoutCancel(ctx), url)
	if err := cmd.Start(); err != nil {
		if s.fallback != nil {
			slog.WarnContext(ctx, "failed to open system browser, printing url instead", "error", err)
			return printURL(s.fallback, url)
		}
		return fmt.Errorf("open system browser: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.DebugContext(ctx, "browser opener exited", "error", err)
		}
	}()
	return nil
}

// Close is a no-op.
func (s *System) Close(context.Context, string) error {
	return nil
}

// WindowPayload is the payload of window commands sent to the UI shell.
type WindowPayload struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Embedded drives in-app windows hosted by the UI shell through the event bus.
type Embedded struct {
	pub events.Publisher
}

// Compile-time check that Embedded implements Launcher
var _ Launcher = (*Embedded)(nil)

// NewEmbedded creates an Embedded launcher publishing on pub.
func NewEmbedded(pub events.Publisher) *Embedded {
	return &Embedded{pub: pub}
}

// Open asks the UI shell to open a window labeled label at url.
func (e *Embedded) Open(ctx context.Context, label, url string) error {
	if label == "" {
		return errors.New("embedded window requires a label")
	}
	if strings.TrimSpace(url) == "" {
		return errEmptyURL
	}
	return e.pub.Publish(ctx, events.OpenWindow, "", WindowPayload{Label: label, URL: url})
}

// Close asks the UI shell to close the window. Closing a window that is already gone is
// harmless on the shell side.
func (e *Embedded) Close(ctx context.Context, label string) error {
	if label == "" {
		return nil
	}
	return e.pub.Publish(ctx, events.CloseWindow, "", WindowPayload{Label: label})
}

// Print writes URLs for the user to open manually. Used by the CLI when no browser should
// be launched.
type Print struct {
	W io.Writer
}

// Compile-time check that Print implements Launcher
var _ Launcher = Print{}

func (p Print) Open(_ context.Context, _ string, url string) error {
	return printURL(p.W, url)
}

func (p Print) Close(context.Context, string) error {
	return nil
}

func printURL(w io.Writer, url string) error {
	_, err := fmt.Fprintf(w, "Open this URL in your browser to continue:\n\n  %s\n\n", url)
	return err
}
