package dedup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/containerd/containerd/log"
	"golang.org/x/sync/errgroup"
)

const (
	// whSegment appears in any whiteout marker path below the archive root.
	whSegment = "/.wh."

	// whOpaque is the opaque whiteout marker name.
	whOpaque = ".wh..wh..opq"
)

// FileInfo is one qualifying file discovered inside a layer. The path and
// size are taken from the tar header as stored.
type FileInfo struct {
	Path       string
	Size       uint64
	Hash       uint64
	LayerIndex int
}

// ScanLayers fingerprints every qualifying file in every layer. Layers are
// scanned independently, up to workers at a time. The result concatenates the
// per-layer slices in chain order, so entries are ordered by layer first and
// by archive order within a layer regardless of worker interleaving.
func ScanLayers(ctx context.Context, layers []Layer, minSize uint64, workers int) ([]FileInfo, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([][]FileInfo, len(layers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, layer := range layers {
		layer := layer
		g.Go(func() error {
			files, err := scanLayer(ctx, layer, minSize)
			if err != nil {
				return fmt.Errorf("scan layer %d (%s): %w", layer.Index, layer.Path, err)
			}
			results[layer.Index] = files
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, layerFiles := range results {
		files = append(files, layerFiles...)
	}
	return files, nil
}

// scanLayer streams the layer's tar entries exactly once, hashing the content
// of every regular file that passes the size and whiteout filters.
func scanLayer(ctx context.Context, layer Layer, minSize uint64) ([]FileInfo, error) {
	r, err := openLayer(layer)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var files []FileInfo
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		size := uint64(hdr.Size)
		if size < minSize {
			continue
		}
		if isWhiteout(hdr.Name) {
			continue
		}

		h := xxhash.New()
		_, err = io.Copy(h, tr)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", hdr.Name, err)
		}

		files = append(files, FileInfo{
			Path:       hdr.Name,
			Size:       size,
			Hash:       h.Sum64(),
			LayerIndex: layer.Index,
		})
	}

	log.G(ctx).
		WithField("layer", layer.Index).
		WithField("files", len(files)).
		Debug("Scanned layer")
	return files, nil
}

// isWhiteout reports whether name is an overlay deletion marker rather than
// real content.
func isWhiteout(name string) bool {
	return strings.Contains(name, whSegment) || strings.HasSuffix(name, whOpaque)
}
