package dedup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestRewriteLayerDropsAndLinks(t *testing.T) {
	dataA := bytes.Repeat([]byte("A"), 2048)
	dataC := bytes.Repeat([]byte("C"), 1024)

	dir := t.TempDir()
	layer := writeLayer(t, filepath.Join(dir, "src"), 0, false,
		dirEntry("usr/"),
		regularFile("usr/a.txt", dataA),
		regularFile("usr/b.txt", dataA),
		regularFile("usr/c.txt", dataC),
	)
	plan := Plan{
		0: {
			{LayerIndex: 0, TargetPath: "usr/b.txt", SourcePath: "usr/a.txt", Kind: Hardlink},
		},
	}

	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	layers, err := RewriteLayers(context.Background(), []Layer{layer}, plan, outDir, RewriteOptions{Workers: 2})
	require.NoError(t, err)
	require.Len(t, layers, 1)

	blob, err := os.ReadFile(layers[0].Path)
	require.NoError(t, err)
	entries := readTarEntries(t, bytes.NewReader(blob))

	// Surviving entries keep their order and bytes; the link entry comes last.
	require.Len(t, entries, 4)
	require.Equal(t, "usr/", entries[0].header.Name)
	require.Equal(t, "usr/a.txt", entries[1].header.Name)
	require.Equal(t, dataA, entries[1].data)
	require.Equal(t, 1000, entries[1].header.Uid)
	require.Equal(t, time.Unix(1700000000, 0), entries[1].header.ModTime)
	require.Equal(t, "usr/c.txt", entries[2].header.Name)
	require.Equal(t, dataC, entries[2].data)

	link := entries[3].header
	require.Equal(t, byte(tar.TypeLink), link.Typeflag)
	require.Equal(t, "usr/b.txt", link.Name)
	require.Equal(t, "usr/a.txt", link.Linkname)
	require.Equal(t, int64(0o644), link.Mode)
	require.Equal(t, 0, link.Uid)
	require.Equal(t, 0, link.Gid)
	require.Equal(t, int64(0), link.Size)
	require.True(t, link.ModTime.Equal(time.Unix(0, 0)))

	// Uncompressed, so diff ID and blob digest both cover the stored bytes.
	require.Equal(t, digest.FromBytes(blob), layers[0].DiffID)
	require.Equal(t, digest.FromBytes(blob), layers[0].BlobDigest)
}

func TestRewriteLayerCompressed(t *testing.T) {
	data := bytes.Repeat([]byte("dup"), 1024)

	dir := t.TempDir()
	// Source layer is itself gzipped; detection is by magic bytes.
	layer := writeLayer(t, filepath.Join(dir, "src"), 1, true,
		regularFile("opt/copy.bin", data),
		regularFile("opt/keep.bin", bytes.Repeat([]byte("keep"), 256)),
	)
	plan := Plan{
		1: {
			{LayerIndex: 1, TargetPath: "opt/copy.bin", SourcePath: "bin/orig.bin", Kind: Symlink},
		},
	}

	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	layers, err := RewriteLayers(context.Background(), []Layer{{Index: 0, Path: layer.Path}, layer}, plan, outDir, RewriteOptions{Compress: true, Workers: 2})
	require.NoError(t, err)
	require.Len(t, layers, 2)

	blob, err := os.ReadFile(layers[1].Path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x1f, 0x8b}, blob[:2])
	require.Equal(t, digest.FromBytes(blob), layers[1].BlobDigest)

	zr, err := gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	uncompressed, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(uncompressed), layers[1].DiffID)

	entries := readTarEntries(t, bytes.NewReader(uncompressed))
	require.Len(t, entries, 2)
	require.Equal(t, "opt/keep.bin", entries[0].header.Name)
	require.Equal(t, byte(tar.TypeSymlink), entries[1].header.Typeflag)
	require.Equal(t, "opt/copy.bin", entries[1].header.Name)
	require.Equal(t, "bin/orig.bin", entries[1].header.Linkname)
}

func TestRewritePassthroughLayer(t *testing.T) {
	dir := t.TempDir()
	layer := writeLayer(t, dir, 0, false,
		regularFile("etc/unique", []byte("nothing duplicated here")),
	)

	layers, err := RewriteLayers(context.Background(), []Layer{layer}, Plan{}, dir, RewriteOptions{Compress: true, Workers: 1})
	require.NoError(t, err)
	require.Equal(t, []Layer{layer}, layers)
}
