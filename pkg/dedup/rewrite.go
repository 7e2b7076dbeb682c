package dedup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/log"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// RewriteOptions control how planned layers are rebuilt.
type RewriteOptions struct {
	// Compress gzips rewritten layer blobs. Untouched layers keep their
	// original encoding either way.
	Compress bool

	// Workers caps how many layers are rebuilt concurrently.
	Workers int
}

// RewriteLayers applies the plan and returns the image's final layer chain in
// index order. Planned layers are rebuilt in parallel into dir; the rest are
// reused as-is.
func RewriteLayers(ctx context.Context, layers []Layer, plan Plan, dir string, opts RewriteOptions) ([]Layer, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	out := make([]Layer, len(layers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, layer := range layers {
		layer := layer
		txns, ok := plan[layer.Index]
		if !ok {
			out[layer.Index] = layer
			continue
		}
		g.Go(func() error {
			rewritten, err := rewriteLayer(ctx, layer, txns, dir, opts.Compress)
			if err != nil {
				return fmt.Errorf("rewrite layer %d (%s): %w", layer.Index, layer.Path, err)
			}
			out[layer.Index] = rewritten
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rewriteLayer re-streams the layer's tar, dropping every entry targeted by a
// transaction and appending one link entry per transaction after the
// surviving entries. The tar writer's output tees into a SHA256 digester, so
// the new diff ID reflects exactly the uncompressed bytes a consumer will
// unpack; the blob file writes tee into a second digester for storage
// addressing.
func rewriteLayer(ctx context.Context, layer Layer, txns []LinkTransaction, dir string, compress bool) (Layer, error) {
	targets := make(map[string]LinkTransaction, len(txns))
	for _, txn := range txns {
		targets[txn.TargetPath] = txn
	}

	name := fmt.Sprintf("layer-%d.tar", layer.Index)
	if compress {
		name += ".gz"
	}
	blobPath := filepath.Join(dir, name)

	f, err := os.Create(blobPath)
	if err != nil {
		return Layer{}, err
	}
	defer f.Close()

	blobDigester := digest.SHA256.Digester()
	diffDigester := digest.SHA256.Digester()

	var w io.Writer = io.MultiWriter(f, blobDigester.Hash())
	var enc io.WriteCloser
	if compress {
		enc, err = compression.CompressStream(w, compression.Gzip)
		if err != nil {
			return Layer{}, err
		}
		w = enc
	}
	tw := tar.NewWriter(io.MultiWriter(w, diffDigester.Hash()))

	src, err := openLayer(layer)
	if err != nil {
		return Layer{}, err
	}
	defer src.Close()

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Layer{}, err
		}

		if _, ok := targets[hdr.Name]; ok {
			// Replaced by a link entry appended below.
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return Layer{}, fmt.Errorf("copy %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return Layer{}, fmt.Errorf("copy %s: %w", hdr.Name, err)
		}
	}

	for _, txn := range txns {
		if err := tw.WriteHeader(linkHeader(txn)); err != nil {
			return Layer{}, fmt.Errorf("append %s link %s: %w", txn.Kind, txn.TargetPath, err)
		}
	}

	if err := tw.Close(); err != nil {
		return Layer{}, err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return Layer{}, err
		}
	}
	if err := f.Close(); err != nil {
		return Layer{}, err
	}

	log.G(ctx).
		WithField("layer", layer.Index).
		WithField("links", len(txns)).
		Debug("Rewrote layer")

	return Layer{
		Index:      layer.Index,
		Path:       blobPath,
		DiffID:     diffDigester.Digest(),
		BlobDigest: blobDigester.Digest(),
	}, nil
}

// linkHeader builds the replacement entry for a transaction. Link entries get
// fixed root ownership and a fixed timestamp, so rewritten layers are
// reproducible regardless of the replaced file's metadata.
func linkHeader(txn LinkTransaction) *tar.Header {
	typeflag := byte(tar.TypeSymlink)
	if txn.Kind == Hardlink {
		typeflag = tar.TypeLink
	}
	return &tar.Header{
		Typeflag: typeflag,
		Name:     txn.TargetPath,
		Linkname: txn.SourcePath,
		Mode:     0o644,
		Uid:      0,
		Gid:      0,
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatGNU,
	}
}
