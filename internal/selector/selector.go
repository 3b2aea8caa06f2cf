// Package selector picks the first archive backend that can run on this system.
package selector

import (
	"errors"
	"fmt"

	"github.com/mcdonaldj/epack/internal/adapters/execbsdtar"
	"github.com/mcdonaldj/epack/internal/adapters/execworker"
	"github.com/mcdonaldj/epack/internal/adapters/nativearchive"
	"github.com/mcdonaldj/epack/internal/config"
	"github.com/mcdonaldj/epack/internal/extract"
	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/ports"
)

// Candidate is a named backend constructor.
type Candidate struct {
	Name string
	New  func() (ports.Backend, error)
}

// Select tries candidates in order and returns the first backend whose constructor
// succeeds. If none does, the error wraps ports.ErrBackendUnavailable and every
// individual failure.
func Select(candidates []Candidate, log *logging.Logger) (ports.Backend, error) {
	_, backend, err := pick(candidates, log)
	return backend, err
}

// Factory selects like Select and returns the winning constructor. A backend instance
// runs one operation at a time, so callers working concurrently call it once per
// operation.
func Factory(candidates []Candidate, log *logging.Logger) (func() (ports.Backend, error), error) {
	c, _, err := pick(candidates, log)
	if err != nil {
		return nil, err
	}
	return c.New, nil
}

func pick(candidates []Candidate, log *logging.Logger) (Candidate, ports.Backend, error) {
	errs := []error{ports.ErrBackendUnavailable}
	for _, c := range candidates {
		backend, err := c.New()
		if err != nil {
			log.Debug("backend %s unavailable: %v", c.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		log.Info("using backend %s", backend.Name())
		return c, backend, nil
	}
	return Candidate{}, nil, errors.Join(errs...)
}

// Candidates builds the constructors named in cfg.Backends, in that order.
func Candidates(cfg *config.Config, log *logging.Logger) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(cfg.Backends))
	for _, name := range cfg.Backends {
		c, err := candidate(name, cfg, log)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Names lists the backend names Candidates understands.
func Names() []string {
	return []string{config.BackendNative, config.BackendWorker, config.BackendShell}
}

func candidate(name string, cfg *config.Config, log *logging.Logger) (Candidate, error) {
	switch name {
	case config.BackendNative:
		return Candidate{Name: name, New: func() (ports.Backend, error) {
			engine := extract.New(nil, extract.WithChunkSize(cfg.ChunkSize), extract.WithLogger(log))
			b, err := nativearchive.New(nativearchive.WithEngine(engine), nativearchive.WithLogger(log))
			if err != nil {
				return nil, err
			}
			return b, nil
		}}, nil
	case config.BackendWorker:
		return Candidate{Name: name, New: func() (ports.Backend, error) {
			b, err := execworker.New(execworker.WithLogger(log))
			if err != nil {
				return nil, err
			}
			return b, nil
		}}, nil
	case config.BackendShell:
		return Candidate{Name: name, New: func() (ports.Backend, error) {
			b, err := execbsdtar.New(
				execbsdtar.WithBsdtarPath(cfg.BsdtarPath),
				execbsdtar.WithPvPath(cfg.PvPath),
				execbsdtar.WithLogger(log),
			)
			if err != nil {
				return nil, err
			}
			return b, nil
		}}, nil
	}
	return Candidate{}, fmt.Errorf("unknown backend %q (known: native, worker, shell)", name)
}

// FromConfig selects a backend using cfg.
func FromConfig(cfg *config.Config, log *logging.Logger) (ports.Backend, error) {
	candidates, err := Candidates(cfg, log)
	if err != nil {
		return nil, err
	}
	return Select(candidates, log)
}
