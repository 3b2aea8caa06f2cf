// Package opener runs the configured follow-up once an archive has been extracted.
package opener

import (
	"fmt"
	"os/exec"

	"github.com/mcdonaldj/epack/internal/config"
)

// Opener starts a file manager or terminal on an extracted directory.
type Opener struct {
	// fileManager is run with the directory as its only argument.
	fileManager string
	// terminal is run with the directory as its working directory.
	terminal string
	start    func(*exec.Cmd) error
}

// Option is a functional option for configuring Opener.
type Option func(*Opener)

// WithFileManager sets the file manager command. Defaults to "xdg-open".
func WithFileManager(path string) Option {
	return func(o *Opener) {
		if path != "" {
			o.fileManager = path
		}
	}
}

// WithTerminal sets the terminal command. Defaults to "x-terminal-emulator".
func WithTerminal(path string) Option {
	return func(o *Opener) {
		if path != "" {
			o.terminal = path
		}
	}
}

// WithStarter replaces how commands are started.
func WithStarter(fn func(*exec.Cmd) error) Option {
	return func(o *Opener) {
		o.start = fn
	}
}

// New creates an Opener.
func New(opts ...Option) *Opener {
	o := &Opener{
		fileManager: "xdg-open",
		terminal:    "x-terminal-emulator",
		start:       detach,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FromConfig creates an Opener using the commands in cfg.
func FromConfig(cfg *config.Config) *Opener {
	return New(WithFileManager(cfg.FileManager), WithTerminal(cfg.Terminal))
}

// Open performs action on dir. The "none" and "close" actions start nothing; closing
// is up to the caller.
func (o *Opener) Open(action, dir string) error {
	var cmd *exec.Cmd
	switch action {
	case "", config.PostExtractNone, config.PostExtractClose:
		return nil
	case config.PostExtractFiles:
		cmd = exec.Command(o.fileManager, dir)
	case config.PostExtractTerminal:
		cmd = exec.Command(o.terminal)
		cmd.Dir = dir
	default:
		return fmt.Errorf("unknown post-extract action %q", action)
	}
	if err := o.start(cmd); err != nil {
		return fmt.Errorf("starting %s: %w", cmd.Args[0], err)
	}
	return nil
}

// detach starts cmd without waiting for it; the process is reaped in the background.
func detach(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
