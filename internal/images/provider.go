// Package images makes sure a runnable image exists for every lab before a
// container is created from it.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/model"
	"github.com/galadd/labwarden/internal/runtime"
)

var (
	ErrUnknownLab          = errors.New("unknown lab")
	ErrBuildContextMissing = errors.New("build context missing")
	ErrBuildFailed         = errors.New("image build failed")
)

type Result int

const (
	Failed Result = iota
	AlreadyPresent
	Built
)

func (r Result) String() string {
	switch r {
	case AlreadyPresent:
		return "already_present"
	case Built:
		return "built"
	default:
		return "failed"
	}
}

type Provider struct {
	catalog *model.Catalog
	rt      runtime.Runtime
	logger  *slog.Logger

	builds singleflight.Group
}

func NewProvider(catalog *model.Catalog, rt runtime.Runtime, logger *slog.Logger) *Provider {
	return &Provider{
		catalog: catalog,
		rt:      rt,
		logger:  logging.Ensure(logger).With("component", "images"),
	}
}

// EnsureImage returns AlreadyPresent when the lab image is in the engine's
// store, otherwise builds it from the lab's build context. Concurrent callers
// asking for the same image wait on a single build.
func (p *Provider) EnsureImage(ctx context.Context, slug string) (Result, error) {
	spec, ok := p.catalog.Lookup(slug)
	if !ok {
		return Failed, fmt.Errorf("%w: %s", ErrUnknownLab, slug)
	}

	exists, err := p.rt.ImageExists(ctx, spec.Image)
	if err != nil {
		return Failed, err
	}
	if exists {
		return AlreadyPresent, nil
	}

	// the shared build must not die with whichever request started it
	buildCtx := context.WithoutCancel(ctx)
	ch := p.builds.DoChan(spec.Image, func() (any, error) {
		return p.build(buildCtx, spec)
	})

	select {
	case <-ctx.Done():
		return Failed, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Failed, res.Err
		}
		if res.Shared {
			p.logger.Debug("joined in-flight build", "image", spec.Image)
		}
		return res.Val.(Result), nil
	}
}

func (p *Provider) build(ctx context.Context, spec model.LabImageSpec) (Result, error) {
	// a build that finished between the first check and this call
	if exists, err := p.rt.ImageExists(ctx, spec.Image); err != nil {
		return Failed, err
	} else if exists {
		return AlreadyPresent, nil
	}

	info, err := os.Stat(spec.BuildPath)
	if err != nil || !info.IsDir() {
		return Failed, fmt.Errorf("%w: %s", ErrBuildContextMissing, spec.BuildPath)
	}

	p.logger.Info("image missing, building", "lab", spec.Slug, "image", spec.Image)

	if err := p.rt.BuildImage(ctx, spec.BuildPath, spec.Image); err != nil {
		if errors.Is(err, runtime.ErrEngineUnavailable) {
			return Failed, err
		}
		p.logger.Error("image build failed", "image", spec.Image, "error", err)
		return Failed, fmt.Errorf("%w: %s: %v", ErrBuildFailed, spec.Image, err)
	}
	return Built, nil
}
