package dedup

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/log"
	cfs "github.com/containerd/continuity/fs"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// blobDir is the content-addressed blob location inside the output archive.
const blobDir = "blobs/sha256"

// Reassemble stages a self-consistent image for the final layer chain under
// stagingDir and packs it into w as a single archive. Every final layer blob
// is stored content-addressed, the manifest's layer references and repo tag
// are rewritten, and the config's diff ID chain is replaced index-aligned
// with the layers; all other image files pass through unchanged.
func (img *Image) Reassemble(ctx context.Context, layers []Layer, repoTag, stagingDir string, w io.Writer) error {
	if err := os.MkdirAll(filepath.Join(stagingDir, blobDir), 0o755); err != nil {
		return err
	}

	refs := make([]string, len(layers))
	diffIDs := make([]digest.Digest, len(layers))
	for i, layer := range layers {
		blob := layer.BlobDigest
		if blob == "" {
			var err error
			blob, err = digestFile(layer.Path)
			if err != nil {
				return errors.Wrapf(err, "digest layer %d (%s)", layer.Index, layer.Path)
			}
		}
		err := copyFile(layer.Path, filepath.Join(stagingDir, blobDir, blob.Encoded()))
		if err != nil {
			return errors.Wrapf(err, "stage layer %d", layer.Index)
		}
		refs[i] = blobDir + "/" + blob.Encoded()
		diffIDs[i] = layer.DiffID
	}

	cfg := img.Config.Clone()
	if err := cfg.SetDiffIDs(diffIDs); err != nil {
		return err
	}
	cfgBytes, err := cfg.Bytes()
	if err != nil {
		return err
	}
	cfgDigest := digest.FromBytes(cfgBytes)
	err = os.WriteFile(filepath.Join(stagingDir, blobDir, cfgDigest.Encoded()), cfgBytes, 0o644)
	if err != nil {
		return err
	}

	mfst := img.Manifest
	mfst.Config = blobDir + "/" + cfgDigest.Encoded()
	mfst.RepoTags = []string{repoTag}
	mfst.Layers = refs
	if err := mfst.WriteFile(filepath.Join(stagingDir, manifestJSON)); err != nil {
		return err
	}

	if err := img.copyAuxiliaryFiles(stagingDir); err != nil {
		return err
	}

	log.G(ctx).
		WithField("layers", len(layers)).
		WithField("tag", repoTag).
		Debug("Packing image")
	return packDir(ctx, w, stagingDir)
}

// copyAuxiliaryFiles carries over every file of the loaded image that is not
// superseded by the rewrite: the manifest, the config and the layer blobs are
// replaced, everything else passes through unchanged.
func (img *Image) copyAuxiliaryFiles(stagingDir string) error {
	superseded := map[string]bool{
		filepath.Clean(manifestJSON):        true,
		filepath.Clean(img.Manifest.Config): true,
	}
	for _, name := range img.Manifest.Layers {
		superseded[filepath.Clean(name)] = true
	}

	return filepath.WalkDir(img.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(img.root, p)
		if err != nil {
			return err
		}
		if superseded[rel] {
			return nil
		}
		dst := filepath.Join(stagingDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyFile(p, dst)
	})
}

// packDir tars the staged tree into w.
func packDir(ctx context.Context, w io.Writer, root string) error {
	// Set upper bound for timestamps to be epoch 0 for reproducibility.
	opts := []archive.ChangeWriterOpt{
		archive.WithModTimeUpperBound(time.Time{}),
	}
	cw := archive.NewChangeWriter(w, root, opts...)
	err := cfs.Changes(ctx, "", root, cw.HandleChange)
	// Finish archiving data before reporting the walk error.
	cwErr := cw.Close()

	if err != nil {
		return errors.Wrap(err, "failed to pack image")
	}
	return cwErr
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
