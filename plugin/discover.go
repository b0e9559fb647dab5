package plugin

import (
	"fmt"
	"log/slog"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/renderer"
)

// LoadError records a plugin module that could not be loaded or registered.
type LoadError struct {
	Input string
	Err   error
}

func (e *LoadError) Error() string { return fmt.Sprintf("plugin %s: %v", e.Input, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Discover builds a registry from the built-in module followed by every
// helper and then every decorator script selected by paths. A module that
// fails to load is reported and skipped.
func Discover(paths *assets.PathSet, md *renderer.Renderer, logger *slog.Logger) (*Registry, []error) {
	reg := NewRegistry()
	var errs []error
	if err := reg.Install(Builtins(md)); err != nil {
		errs = append(errs, err)
	}

	for _, class := range []assets.Class{assets.Helper, assets.Decorator} {
		files, err := paths.Files(class)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rel := range files {
			mod, err := LoadStarlark(paths.Abs(rel), logger)
			if err != nil {
				errs = append(errs, &LoadError{Input: rel, Err: err})
				continue
			}
			if err := reg.Install(mod); err != nil {
				errs = append(errs, &LoadError{Input: rel, Err: err})
			}
		}
	}
	return reg, errs
}
