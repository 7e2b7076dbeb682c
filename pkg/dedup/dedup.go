// Package dedup rewrites an exported container image archive so that files
// duplicated across its layers are replaced by links to a single original,
// re-deriving every content address the image advertises.
package dedup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Options configure a deduplication run.
type Options struct {
	// MinSize excludes files strictly smaller from scanning and linking.
	MinSize uint64

	// Workers caps per-stage layer parallelism.
	Workers int

	// Compress gzips rewritten layer blobs.
	Compress bool

	// RepoTag overrides the output image tag. Empty derives one from the
	// source image's tags.
	RepoTag string
}

// Run deduplicates the exported image at imagePath and writes the rewritten
// archive to w. All intermediate state lives under one scratch directory that
// is removed on every exit path.
func Run(ctx context.Context, imagePath string, w io.Writer, opts Options) error {
	work, err := os.MkdirTemp(TempDir(), "imagededup")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	img, err := LoadImage(ctx, imagePath, filepath.Join(work, "image"))
	if err != nil {
		return err
	}

	files, err := ScanLayers(ctx, img.Layers, opts.MinSize, opts.Workers)
	if err != nil {
		return err
	}
	duplicates := GroupDuplicates(files)
	Report(ctx, duplicates)
	plan := BuildPlan(duplicates)

	layerDir := filepath.Join(work, "layers")
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return err
	}
	layers, err := RewriteLayers(ctx, img.Layers, plan, layerDir, RewriteOptions{
		Compress: opts.Compress,
		Workers:  opts.Workers,
	})
	if err != nil {
		return err
	}

	repoTag := opts.RepoTag
	if repoTag == "" {
		repoTag = outputTag(img.Manifest.RepoTags)
	}
	return img.Reassemble(ctx, layers, repoTag, filepath.Join(work, "staging"), w)
}

// Analyze scans the image and returns its duplicate groups without rewriting
// anything.
func Analyze(ctx context.Context, imagePath string, opts Options) ([]DuplicateInfo, error) {
	work, err := os.MkdirTemp(TempDir(), "imagededup")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	img, err := LoadImage(ctx, imagePath, filepath.Join(work, "image"))
	if err != nil {
		return nil, err
	}

	files, err := ScanLayers(ctx, img.Layers, opts.MinSize, opts.Workers)
	if err != nil {
		return nil, err
	}
	return GroupDuplicates(files), nil
}

// outputTag derives the output marker tag from the source image's tags.
func outputTag(repoTags []string) string {
	if len(repoTags) == 0 {
		return "deduplicated:latest"
	}
	name := repoTags[0]
	// Only strip a tag, never a registry port.
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		name = name[:i]
	}
	return name + ":dedup"
}
