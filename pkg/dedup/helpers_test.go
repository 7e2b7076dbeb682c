package dedup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	header *tar.Header
	data   []byte
}

func regularFile(name string, data []byte) tarEntry {
	return tarEntry{
		header: &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     int64(len(data)),
			Mode:     0o644,
			Uid:      1000,
			Gid:      1000,
			ModTime:  time.Unix(1700000000, 0),
		},
		data: data,
	}
}

func dirEntry(name string) tarEntry {
	return tarEntry{
		header: &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name,
			Mode:     0o755,
			ModTime:  time.Unix(1700000000, 0),
		},
	}
}

func symlinkTo(name, target string) tarEntry {
	return tarEntry{
		header: &tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     name,
			Linkname: target,
			Mode:     0o777,
			ModTime:  time.Unix(1700000000, 0),
		},
	}
}

func buildTar(t *testing.T, entries ...tarEntry) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(e.header))
		if len(e.data) > 0 {
			_, err := tw.Write(e.data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, dt []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(dt)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// writeLayer stores a layer blob under dir and returns its Layer value. The
// blob name never reveals whether the bytes are compressed.
func writeLayer(t *testing.T, dir string, index int, gzipped bool, entries ...tarEntry) Layer {
	dt := buildTar(t, entries...)
	diffID := digest.FromBytes(dt)
	if gzipped {
		dt = gzipBytes(t, dt)
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, fmt.Sprintf("layer-%d.tar", index))
	require.NoError(t, os.WriteFile(p, dt, 0o644))
	return Layer{Index: index, Path: p, DiffID: diffID}
}

// readTarEntries collects a tar stream into ordered entries.
func readTarEntries(t *testing.T, r io.Reader) []tarEntry {
	var entries []tarEntry
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		hdrCopy := *hdr
		entries = append(entries, tarEntry{header: &hdrCopy, data: data})
	}
	return entries
}

// writeImageArchive packs layer blobs plus their manifest and config into an
// exported image archive and returns its path. Layer blobs must be
// uncompressed tars so their diff IDs can be derived here.
func writeImageArchive(t *testing.T, dir string, repoTags []string, layerBlobs ...[]byte) string {
	diffIDs := make([]string, len(layerBlobs))
	layerNames := make([]string, len(layerBlobs))
	for i, dt := range layerBlobs {
		diffIDs[i] = digest.FromBytes(dt).String()
		layerNames[i] = fmt.Sprintf("layer%d.tar", i)
	}

	cfg := map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"created":      "2023-11-01T00:00:00Z",
		"config": map[string]interface{}{
			"Env": []string{"PATH=/usr/local/bin"},
			"Cmd": []string{"/bin/sh"},
		},
		"history": []map[string]interface{}{
			{
				"created":    "2023-11-01T00:00:00Z",
				"created_by": "COPY . /",
			},
		},
		"rootfs": map[string]interface{}{
			"type":     "layers",
			"diff_ids": diffIDs,
		},
		// Engine specific field that must survive rewriting untouched.
		"moby.buildkit.buildinfo.v1": "opaque",
	}
	cfgBytes, err := json.Marshal(cfg)
	require.NoError(t, err)

	mfstBytes, err := json.Marshal([]Manifest{{
		Config:   "config.json",
		RepoTags: repoTags,
		Layers:   layerNames,
	}})
	require.NoError(t, err)

	entries := []tarEntry{
		regularFile("config.json", cfgBytes),
		regularFile("manifest.json", mfstBytes),
		regularFile("oci-layout", []byte(`{"imageLayoutVersion": "1.0.0"}`)),
	}
	for i, dt := range layerBlobs {
		entries = append(entries, regularFile(layerNames[i], dt))
	}

	p := filepath.Join(dir, "image.tar")
	require.NoError(t, os.WriteFile(p, buildTar(t, entries...), 0o644))
	return p
}
