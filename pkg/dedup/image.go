package dedup

import (
	"context"
	_ "crypto/sha256" // required by go-digest
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/log"
	digest "github.com/opencontainers/go-digest"
)

const manifestJSON = "manifest.json"

// TempDir returns the location of a temporary dir or XDG_RUNTIME_DIR if it is
// defined.
func TempDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg
	}
	return os.TempDir()
}

// Layer is one entry of the image's layer chain. Rewritten layers are fresh
// values pointing at new blobs; the loaded image is never mutated, so the
// original archive stays valid for inspection.
type Layer struct {
	// Index is the layer's position in the chain. Layers are never
	// reordered.
	Index int

	// Path locates the layer's backing blob on disk.
	Path string

	// DiffID is the digest of the layer's uncompressed tar bytes.
	DiffID digest.Digest

	// BlobDigest is the digest of the blob's on-disk bytes, set once known.
	BlobDigest digest.Digest
}

// Image is an exported container image unpacked into a scratch directory.
type Image struct {
	Manifest Manifest
	Config   *ConfigDoc
	Layers   []Layer

	root string
}

// LoadImage unpacks the archive at archivePath into root and parses the
// manifest and config documents it references.
func LoadImage(ctx context.Context, archivePath, root string) (*Image, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Don't preserve the owner specified in the tar archive because the
	// scratch tree only needs to be readable by us.
	_, err = archive.Apply(ctx, root, f, archive.WithNoSameOwner())
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", archivePath, err)
	}

	mfst, err := ParseManifest(filepath.Join(root, manifestJSON))
	if err != nil {
		return nil, err
	}

	cfg, err := ParseConfig(filepath.Join(root, mfst.Config))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", mfst.Config, err)
	}
	if len(cfg.Image.RootFS.DiffIDs) != len(mfst.Layers) {
		return nil, fmt.Errorf("config lists %d diff ids for %d layers", len(cfg.Image.RootFS.DiffIDs), len(mfst.Layers))
	}

	layers := make([]Layer, len(mfst.Layers))
	for i, name := range mfst.Layers {
		layers[i] = Layer{
			Index:  i,
			Path:   filepath.Join(root, name),
			DiffID: cfg.Image.RootFS.DiffIDs[i],
		}
	}

	log.G(ctx).
		WithField("architecture", cfg.Image.Architecture).
		WithField("os", cfg.Image.OS).
		WithField("layers", len(layers)).
		Debugf("Loaded image %s", archivePath)

	return &Image{
		Manifest: mfst,
		Config:   cfg,
		Layers:   layers,
		root:     root,
	}, nil
}

// openLayer returns the layer's decoded tar stream. Compression is sniffed
// from the blob's leading magic bytes, never from its name.
func openLayer(layer Layer) (*layerReader, error) {
	f, err := os.Open(layer.Path)
	if err != nil {
		return nil, err
	}
	dr, err := compression.DecompressStream(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &layerReader{DecompressReadCloser: dr, f: f}, nil
}

// layerReader owns both the decompressor and the underlying blob file.
type layerReader struct {
	compression.DecompressReadCloser
	f *os.File
}

func (r *layerReader) Close() error {
	if err := r.DecompressReadCloser.Close(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
