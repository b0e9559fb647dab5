package stages

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/fsutil"
	"github.com/iedon/assetpipe/incremental"
)

// itemFunc produces the output for one input. Returning a *FatalError stops
// the stage; any other error excludes the input from output.
type itemFunc func(ctx context.Context, rel, in, out string) (FileStat, error)

type itemOptions struct {
	// depTime is folded into every input's freshness so a change in a shared
	// dependency reprocesses all inputs.
	depTime time.Time
	// taken maps outputs owned by another stage onto that stage's input.
	taken map[string]string
}

// runIncremental drives fn over inputs, serving fresh inputs from the cache,
// and afterwards removes the outputs of cached inputs no longer present.
func runIncremental(ctx context.Context, env *Env, res *Result, class assets.Class, inputs []string, opts itemOptions, fn itemFunc) error {
	logger := env.logger()
	seen := make(map[string]struct{}, len(inputs))
	claimed := make(map[string]string, len(inputs))

	for _, rel := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Inputs++
		seen[rel] = struct{}{}

		in := env.Paths.Abs(rel)
		out, err := env.Paths.OutputPath(class, rel)
		if err != nil {
			res.fail(logger, rel, err)
			if err := dropArtifact(env, res.Stage, rel); err != nil {
				return err
			}
			continue
		}
		if owner, ok := opts.taken[out]; ok {
			res.fail(logger, rel, fmt.Errorf("output %s is already produced by %s", out, owner))
			env.Cache.Evict(rel)
			continue
		}
		if owner, dup := claimed[out]; dup {
			res.fail(logger, rel, fmt.Errorf("output %s is already produced by %s", out, owner))
			env.Cache.Evict(rel)
			continue
		}
		claimed[out] = rel

		info, err := os.Stat(in)
		if err != nil {
			res.fail(logger, rel, err)
			if err := dropArtifact(env, res.Stage, rel); err != nil {
				return err
			}
			continue
		}
		modTime := info.ModTime()
		if opts.depTime.After(modTime) {
			modTime = opts.depTime
		}

		if art, ok := env.Cache.Fresh(rel, modTime); ok && art.Output == out && env.Tracker.IsUnchanged(in, out) {
			res.Skipped++
			res.BytesBefore += art.SizeIn
			res.BytesAfter += art.SizeOut
			continue
		}

		stat, err := fn(ctx, rel, in, out)
		if err != nil {
			if IsFatal(err) {
				return err
			}
			res.fail(logger, rel, err)
			if err := dropArtifact(env, res.Stage, rel); err != nil {
				return err
			}
			continue
		}
		if prev, ok := env.Cache.Lookup(rel); ok && prev.Output != out {
			if err := fsutil.RemoveFile(prev.Output, env.Paths.Dist()); err != nil {
				return Fatal(res.Stage, rel, err)
			}
		}
		stat.Input, stat.Output = rel, out
		env.Cache.Put(rel, incremental.Artifact{
			Input:   rel,
			ModTime: modTime,
			Output:  out,
			SizeIn:  stat.Before,
			SizeOut: stat.After,
		})
		res.Processed++
		res.BytesBefore += stat.Before
		res.BytesAfter += stat.After
		res.Files = append(res.Files, stat)
	}

	for rel := range env.Cache.Get() {
		if _, ok := seen[rel]; ok {
			continue
		}
		if err := dropArtifact(env, res.Stage, rel); err != nil {
			return err
		}
		res.Removed++
	}

	for rel, art := range env.Cache.Get() {
		res.Outputs[rel] = art.Output
	}
	return nil
}

// dropArtifact deletes the cached output of rel and evicts it.
func dropArtifact(env *Env, stage Name, rel string) error {
	art, ok := env.Cache.Lookup(rel)
	if !ok {
		return nil
	}
	if err := fsutil.RemoveFile(art.Output, env.Paths.Dist()); err != nil {
		return Fatal(stage, rel, fmt.Errorf("remove stale output: %w", err))
	}
	env.Cache.Evict(rel)
	return nil
}

// isPartial reports whether rel is an import-only source such as _vars.scss.
func isPartial(rel string) bool {
	return strings.HasPrefix(path.Base(rel), "_")
}
