// Package manifest models the bubble manifest tree and flattens it into the
// derivative files a mirror needs.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Role classifies a manifest node.
type Role int

const (
	RoleOther Role = iota
	RolePropertyDatabase
	RoleDesignDescription
	RoleIndexableContent
	RoleGraphics
	RoleRaas
	RolePdf
	RoleLeafletZip
	RolePreview
	RoleLod
	RoleGeometry
	RoleViewable
)

var roleNames = map[string]Role{
	"Autodesk.CloudPlatform.PropertyDatabase":  RolePropertyDatabase,
	"Autodesk.CloudPlatform.DesignDescription": RoleDesignDescription,
	"Autodesk.CloudPlatform.IndexableContent":  RoleIndexableContent,
	"graphics":    RoleGraphics,
	"raas":        RoleRaas,
	"pdf":         RolePdf,
	"leaflet-zip": RoleLeafletZip,
	"preview":     RolePreview,
	"lod":         RoleLod,
	"geometry":    RoleGeometry,
	"viewable":    RoleViewable,
}

// ParseRole maps a role string; unknown roles are RoleOther.
func ParseRole(s string) Role {
	if r, ok := roleNames[s]; ok {
		return r
	}
	return RoleOther
}

// IsLeaf reports whether nodes with this role own derivative files.
func (r Role) IsLeaf() bool {
	switch r {
	case RolePropertyDatabase, RoleDesignDescription, RoleIndexableContent,
		RoleGraphics, RoleRaas, RolePdf, RoleLeafletZip, RolePreview, RoleLod:
		return true
	}
	return false
}

// Mime classifies a derivative payload.
type Mime int

const (
	MimeOther Mime = iota
	MimeSVF
	MimeF2D
	MimeDB
	MimeOctetStream
	MimeThumbnail
	MimeOTG
)

var mimeNames = map[Mime]string{
	MimeSVF:         "application/autodesk-svf",
	MimeF2D:         "application/autodesk-f2d",
	MimeDB:          "application/autodesk-db",
	MimeOctetStream: "application/octet-stream",
	MimeThumbnail:   "thumbnail",
	MimeOTG:         "application/autodesk-otg",
}

// ParseMime maps a mime string; unknown values are MimeOther.
func ParseMime(s string) Mime {
	for m, name := range mimeNames {
		if name == s {
			return m
		}
	}
	return MimeOther
}

func (m Mime) String() string {
	if s, ok := mimeNames[m]; ok {
		return s
	}
	return "other"
}

// Node is one element of the bubble tree. Fields the walker does not
// interpret are kept verbatim so the tree re-serializes faithfully.
type Node struct {
	Role             Role
	Mime             Mime
	URN              string
	GUID             string
	Name             string
	Type             string
	HasThumbnail     bool
	IntermediateFile string
	Children         []*Node

	rawRole string
	rawMime string
	extra   map[string]json.RawMessage
}

// stringFields are decoded into typed fields and re-emitted from them.
var stringFields = []string{"role", "mime", "urn", "guid", "name", "type", "intermediateFile"}

// Parse decodes a bubble document.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &n, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Node{}

	values := make(map[string]string, len(stringFields))
	for _, key := range stringFields {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// Not a string: leave it untouched in extra.
			continue
		}
		values[key] = s
		delete(raw, key)
	}

	n.rawRole = values["role"]
	n.Role = ParseRole(n.rawRole)
	n.rawMime = values["mime"]
	n.Mime = ParseMime(n.rawMime)
	n.URN = values["urn"]
	n.GUID = values["guid"]
	n.Name = values["name"]
	n.Type = values["type"]
	n.IntermediateFile = values["intermediateFile"]

	if v, ok := raw["hasThumbnail"]; ok {
		var s string
		var b bool
		if json.Unmarshal(v, &s) == nil {
			n.HasThumbnail = s == "true"
		} else if json.Unmarshal(v, &b) == nil {
			n.HasThumbnail = b
		}
	}

	if v, ok := raw["children"]; ok {
		if err := json.Unmarshal(v, &n.Children); err != nil {
			return fmt.Errorf("children of %q: %w", n.GUID, err)
		}
		delete(raw, "children")
	}

	n.extra = raw
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.extra)+len(stringFields)+1)
	for k, v := range n.extra {
		out[k] = v
	}

	set := func(key, val string) {
		if val != "" {
			out[key] = val
		}
	}
	set("role", n.RoleString())
	set("mime", n.MimeString())
	set("urn", n.URN)
	set("guid", n.GUID)
	set("name", n.Name)
	set("type", n.Type)
	set("intermediateFile", n.IntermediateFile)
	if n.Children != nil {
		out["children"] = n.Children
	}
	return json.Marshal(out)
}

// RoleString returns the role as it appeared in the document.
func (n *Node) RoleString() string {
	if n.rawRole != "" || n.Role == RoleOther {
		return n.rawRole
	}
	for s, r := range roleNames {
		if r == n.Role {
			return s
		}
	}
	return ""
}

// MimeString returns the mime as it appeared in the document.
func (n *Node) MimeString() string {
	if n.rawMime != "" || n.Mime == MimeOther {
		return n.rawMime
	}
	return n.Mime.String()
}

// Extra returns an uninterpreted member such as "otg_manifest".
func (n *Node) Extra(key string) (json.RawMessage, bool) {
	v, ok := n.extra[key]
	return v, ok
}

// Find returns nodes in pre-order for which match returns true.
func (n *Node) Find(match func(*Node) bool) []*Node {
	var out []*Node
	var visit func(*Node)
	visit = func(node *Node) {
		if match(node) {
			out = append(out, node)
		}
		for _, c := range node.Children {
			visit(c)
		}
	}
	visit(n)
	return out
}
