package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPaths(t *testing.T) {
	p := ExtractPaths("output/a/b/c.svf")
	assert.Equal(t, "output/a/b/", p.BasePath)
	assert.Equal(t, "a/b/", p.LocalPath)
	assert.Equal(t, "c.svf", p.RootFileName)
	assert.Equal(t, "$file$/a/b/c.svf", p.LocalURN())
}

func TestExtractPathsDecodesURN(t *testing.T) {
	p := ExtractPaths("urn:adsk.viewing:fs.file:dXJu%2Foutput%2F1%2Fmodel.svf")
	assert.Equal(t, "urn:adsk.viewing:fs.file:dXJu/output/1/", p.BasePath)
	assert.Equal(t, "1/", p.LocalPath)
	assert.Equal(t, "model.svf", p.RootFileName)
}

func TestExtractPathsIdempotentOnLocalForm(t *testing.T) {
	first := ExtractPaths("urn:x/output/output/a/c.svf")
	assert.Equal(t, "output/a/", first.LocalPath)

	second := ExtractPaths(first.LocalURN())
	assert.Equal(t, first.LocalPath, second.LocalPath, "must not strip a second output/")
	assert.Equal(t, first.RootFileName, second.RootFileName)
}

func TestEncodeURI(t *testing.T) {
	assert.Equal(t, "%2Fa%20b%2Fc.json", EncodeURIComponent("/a b/c.json"))
	assert.Equal(t, "/a%20b/c.json", EncodeURI("/a b/c.json"))
	assert.Equal(t, "%C3%A9", EncodeURI("é"))
}

const sampleBubble = `{
  "urn": "dXJuOmFkc2s",
  "type": "design",
  "progress": "complete",
  "children": [
    {
      "guid": "g1",
      "type": "geometry",
      "role": "3d",
      "name": "Model",
      "hasThumbnail": "true",
      "children": [
        {"guid": "g2", "role": "graphics", "mime": "application/autodesk-svf", "urn": "urn:adsk.viewing:fs.file:dXJuOmFkc2s/output/1/model.svf"},
        {"guid": "g3", "role": "Autodesk.CloudPlatform.PropertyDatabase", "mime": "application/autodesk-db", "urn": "urn:adsk.viewing:fs.file:dXJuOmFkc2s/output/1/model.sdb"}
      ]
    },
    {
      "guid": "g4",
      "type": "geometry",
      "role": "2d",
      "name": "Sheet",
      "hasThumbnail": false,
      "intermediateFile": "sheet.pdf",
      "children": [
        {"guid": "g5", "role": "graphics", "mime": "application/autodesk-f2d", "urn": "urn:adsk.viewing:fs.file:dXJuOmFkc2s/output/2/primaryGraphics.f2d"}
      ]
    }
  ]
}`

func TestWalk(t *testing.T) {
	root, err := Parse([]byte(sampleBubble))
	require.NoError(t, err)

	leaves := len(root.Find(func(n *Node) bool { return n.Role.IsLeaf() }))
	require.Equal(t, 3, leaves)

	items := Walk(root)
	require.Len(t, items, 5)
	assert.GreaterOrEqual(t, len(items), leaves)

	svf := items[0]
	assert.Equal(t, MimeSVF, svf.Mime)
	assert.Equal(t, "1/", svf.LocalPath)
	assert.Equal(t, "model.svf", svf.RootFileName)
	assert.Equal(t, "Model", svf.Name)

	thumb := items[1]
	assert.Equal(t, MimeThumbnail, thumb.Mime)
	assert.Equal(t, "dXJuOmFkc2s", thumb.URN)
	assert.Equal(t, "g1", thumb.GUID)
	assert.Equal(t, "model.svf.png", thumb.RootFileName)
	assert.Empty(t, thumb.BasePath)

	assert.Equal(t, MimeDB, items[2].Mime)

	inter := items[3]
	assert.Equal(t, MimeOctetStream, inter.Mime)
	assert.Equal(t, "g4", inter.GUID)
	assert.Equal(t, "sheet.pdf", inter.RootFileName)
	assert.Equal(t, "urn:adsk.viewing:fs.file:dXJuOmFkc2s/", inter.BasePath)

	f2d := items[4]
	assert.Equal(t, MimeF2D, f2d.Mime)
	assert.Equal(t, "Sheet", f2d.Name)

	thumbs := 0
	for _, it := range items {
		if it.Mime == MimeThumbnail {
			thumbs++
		}
	}
	assert.Equal(t, 1, thumbs, "only parents with hasThumbnail produce a thumbnail")

	svfNode := root.Children[0].Children[0]
	assert.Equal(t, "$file$/1/model.svf", svfNode.URN)
	assert.Equal(t, "Model", svfNode.Name)
}

func TestWalkIntermediateEncodedForOSS(t *testing.T) {
	doc := `{"urn":"urn:adsk.objects:os.object:b/f.dwg","children":[
	  {"guid":"s","type":"geometry","intermediateFile":"x y.pdf","children":[
	    {"role":"graphics","mime":"application/autodesk-f2d","urn":"urn:adsk.objects:os.object:b/f.dwg/out/p.f2d"}]}]}`
	root, err := Parse([]byte(doc))
	require.NoError(t, err)

	items := Walk(root)
	require.Len(t, items, 2)
	assert.Equal(t, MimeOctetStream, items[0].Mime)
	assert.Equal(t, "urn:adsk.objects:os.object:b/f.dwg/", items[0].BasePath)
	assert.Equal(t, "x y.pdf", items[0].RootFileName)
}

func TestWalkEmpty(t *testing.T) {
	root, err := Parse([]byte(`{"urn":"u","children":[{"role":"viewable","children":[]}]}`))
	require.NoError(t, err)
	assert.Empty(t, Walk(root))
}

func TestNodeRoundTrip(t *testing.T) {
	root, err := Parse([]byte(sampleBubble))
	require.NoError(t, err)

	out, err := json.Marshal(root)
	require.NoError(t, err)

	var want, got map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleBubble), &want))
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, want, got)

	assert.Equal(t, "3d", root.Children[0].RoleString())
	assert.Equal(t, RoleOther, root.Children[0].Role)
	assert.True(t, root.Children[0].HasThumbnail)
	assert.False(t, root.Children[1].HasThumbnail)
}

func TestParseUnknownMime(t *testing.T) {
	root, err := Parse([]byte(`{"role":"viewable","mime":"application/x-new","otg_manifest":{"paths":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, RoleViewable, root.Role)
	assert.Equal(t, MimeOther, root.Mime)
	assert.Equal(t, "application/x-new", root.MimeString())

	raw, ok := root.Extra("otg_manifest")
	assert.True(t, ok)
	assert.JSONEq(t, `{"paths":{}}`, string(raw))
}
