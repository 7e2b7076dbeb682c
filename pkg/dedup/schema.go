package dedup

import (
	"encoding/json"
	"fmt"
	"os"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest is one record of the image's manifest.json. The on-disk form is a
// single-element list of these records.
type Manifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// ParseManifest reads a manifest.json as written by an image export.
func ParseManifest(path string) (Manifest, error) {
	dt, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}

	var manifests []Manifest
	err = json.Unmarshal(dt, &manifests)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(manifests) != 1 {
		return Manifest{}, fmt.Errorf("expected %d manifest in %s, got %d", 1, path, len(manifests))
	}
	return manifests[0], nil
}

// WriteFile writes the manifest back in its single-element list form.
func (m Manifest) WriteFile(path string) error {
	dt, err := json.MarshalIndent([]Manifest{m}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, dt, 0o644)
}

// ConfigDoc is an image config document. The typed view covers the fields the
// engine interprets; the raw fields keep everything else, so engine specific
// keys survive a rewrite untouched.
type ConfigDoc struct {
	Image ocispec.Image

	fields map[string]json.RawMessage
}

// ParseConfig reads the image config document at path.
func ParseConfig(path string) (*ConfigDoc, error) {
	dt, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfigBytes(dt)
}

func parseConfigBytes(dt []byte) (*ConfigDoc, error) {
	cfg := &ConfigDoc{}
	err := json.Unmarshal(dt, &cfg.Image)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(dt, &cfg.fields)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Clone returns a deep copy, so a rewrite never mutates the loaded document.
func (c *ConfigDoc) Clone() *ConfigDoc {
	fields := make(map[string]json.RawMessage, len(c.fields))
	for k, v := range c.fields {
		fields[k] = append(json.RawMessage(nil), v...)
	}
	return &ConfigDoc{Image: c.Image, fields: fields}
}

// SetDiffIDs replaces the config's rootfs diff ID chain.
func (c *ConfigDoc) SetDiffIDs(ids []digest.Digest) error {
	rootfs := ocispec.RootFS{
		Type:    c.Image.RootFS.Type,
		DiffIDs: ids,
	}
	dt, err := json.Marshal(rootfs)
	if err != nil {
		return err
	}
	c.Image.RootFS = rootfs
	c.fields["rootfs"] = dt
	return nil
}

// Bytes marshals the document with all passthrough fields intact.
func (c *ConfigDoc) Bytes() ([]byte, error) {
	return json.MarshalIndent(c.fields, "", "  ")
}
