package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnexpectedOTGManifest is returned when a bubble does not carry exactly
// one viewable child with an embedded OTG manifest.
var ErrUnexpectedOTGManifest = errors.New("Unexpected OTG manifest format")

// OTGPaths are the remote prefixes every OTG asset is addressed against.
type OTGPaths struct {
	GlobalRoot     string `json:"global_root"`
	GlobalSharding int    `json:"global_sharding"`
	VersionRoot    string `json:"version_root"`
	SharedRoot     string `json:"shared_root"`
	Region         string `json:"region"`
}

// OTGView is one entry of otg_manifest.views.
type OTGView struct {
	Role string `json:"role"`
	Mime string `json:"mime"`
	URN  string `json:"urn"`
}

// IsModel reports whether the view is a graphics OTG model.
func (v OTGView) IsModel() bool {
	return v.Role == "graphics" && ParseMime(v.Mime) == MimeOTG
}

// OTGManifest is the otg_manifest member of the viewable node.
type OTGManifest struct {
	AccountID string             `json:"account_id"`
	ProjectID string             `json:"project_id"`
	Paths     OTGPaths           `json:"paths"`
	Views     map[string]OTGView `json:"views"`

	// Raw is the member as it appeared in the bubble.
	Raw json.RawMessage `json:"-"`
}

// ViewKeys returns the view ids in sorted order.
func (m *OTGManifest) ViewKeys() []string {
	keys := make([]string, 0, len(m.Views))
	for k := range m.Views {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RemoteRootPath is version_root relative to shared_root.
func (m *OTGManifest) RemoteRootPath() string {
	return strings.TrimPrefix(m.Paths.VersionRoot, m.Paths.SharedRoot)
}

// AccountID returns the second segment of global_root.
func (p OTGPaths) AccountID() string { return segment(p.GlobalRoot, 1) }

// RefID returns the second segment of shared_root.
func (p OTGPaths) RefID() string { return segment(p.SharedRoot, 1) }

func segment(s string, i int) string {
	parts := strings.Split(s, "/")
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// FindOTG extracts the OTG manifest from a bubble's viewable child.
func FindOTG(bubble *Node) (*OTGManifest, error) {
	var found []json.RawMessage
	for _, c := range bubble.Children {
		if c.Role != RoleViewable {
			continue
		}
		if raw, ok := c.Extra("otg_manifest"); ok && !isNull(raw) {
			found = append(found, raw)
		}
	}
	if len(found) != 1 {
		return nil, ErrUnexpectedOTGManifest
	}

	var m OTGManifest
	if err := json.Unmarshal(found[0], &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedOTGManifest, err)
	}
	m.Raw = found[0]
	return &m, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "false"
}

// ModelManifest is a per-view otg_model.json.
type ModelManifest struct {
	Manifest struct {
		Assets       map[string]json.RawMessage `json:"assets"`
		SharedAssets struct {
			Geometry  string            `json:"geometry"`
			Materials string            `json:"materials"`
			Textures  string            `json:"textures"`
			Pdb       map[string]string `json:"pdb"`
		} `json:"shared_assets"`
	} `json:"manifest"`
	Stats struct {
		NumFragments int `json:"num_fragments"`
		NumPolys     int `json:"num_polys"`
		NumMaterials int `json:"num_materials"`
		NumGeoms     int `json:"num_geoms"`
		NumTextures  int `json:"num_textures"`
	} `json:"stats"`

	// Dir is the directory of the view file relative to version_root.
	Dir string `json:"__dirname__,omitempty"`
}

// Asset is one member of manifest.assets: either a single path or a
// group of pdb paths.
type Asset struct {
	Key   string
	Path  string
	Group map[string]string
}

// Assets returns manifest.assets in sorted key order. Members that are
// neither a string nor an object of strings are skipped.
func (m *ModelManifest) Assets() []Asset {
	keys := make([]string, 0, len(m.Manifest.Assets))
	for k := range m.Manifest.Assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Asset, 0, len(keys))
	for _, k := range keys {
		raw := m.Manifest.Assets[k]
		var s string
		if json.Unmarshal(raw, &s) == nil {
			out = append(out, Asset{Key: k, Path: s})
			continue
		}
		var group map[string]string
		if json.Unmarshal(raw, &group) == nil {
			out = append(out, Asset{Key: k, Group: group})
		}
	}
	return out
}

// SortedKeys returns the keys of m in order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
