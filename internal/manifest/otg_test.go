package manifest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const otgBubble = `{
  "urn": "dXJu",
  "children": [
    {"role": "3d", "guid": "a"},
    {"role": "viewable", "guid": "b", "otg_manifest": {
      "account_id": "acct",
      "paths": {
        "global_root": "$otg_cdn_urn$/ACC/",
        "global_sharding": 4,
        "version_root": "$otg_cdn_urn$/REF/ver1/",
        "shared_root": "$otg_cdn_urn$/REF/"
      },
      "views": {
        "2": {"role": "graphics", "mime": "application/autodesk-otg", "urn": "b/otg_model.json"},
        "1": {"role": "graphics", "mime": "application/autodesk-otg", "urn": "a/otg_model.json"},
        "3": {"role": "Autodesk.AEC.ModelData", "mime": "application/json", "urn": "aec.json"}
      }
    }}
  ]
}`

func TestFindOTG(t *testing.T) {
	root, err := Parse([]byte(otgBubble))
	require.NoError(t, err)

	m, err := FindOTG(root)
	require.NoError(t, err)

	assert.Equal(t, "ACC", m.Paths.AccountID())
	assert.Equal(t, "REF", m.Paths.RefID())
	assert.Equal(t, 4, m.Paths.GlobalSharding)
	assert.Equal(t, "ver1/", m.RemoteRootPath())
	assert.Equal(t, []string{"1", "2", "3"}, m.ViewKeys())
	assert.True(t, m.Views["1"].IsModel())
	assert.False(t, m.Views["3"].IsModel())
	assert.True(t, json.Valid(m.Raw))
}

func TestFindOTGRequiresExactlyOne(t *testing.T) {
	for name, doc := range map[string]string{
		"none":  `{"urn":"x","children":[{"role":"viewable","guid":"v"}]}`,
		"null":  `{"urn":"x","children":[{"role":"viewable","guid":"v","otg_manifest":null}]}`,
		"wrong": `{"urn":"x","children":[{"role":"3d","guid":"v","otg_manifest":{}}]}`,
		"two": `{"urn":"x","children":[
			{"role":"viewable","guid":"v","otg_manifest":{}},
			{"role":"viewable","guid":"w","otg_manifest":{}}]}`,
	} {
		root, err := Parse([]byte(doc))
		require.NoError(t, err, name)
		_, err = FindOTG(root)
		assert.True(t, errors.Is(err, ErrUnexpectedOTGManifest), name)
	}
}

func TestSegmentOutOfRange(t *testing.T) {
	p := OTGPaths{GlobalRoot: "noslash"}
	assert.Empty(t, p.AccountID())
	assert.Empty(t, p.RefID())
}

func TestModelManifestAssets(t *testing.T) {
	var m ModelManifest
	require.NoError(t, json.Unmarshal([]byte(`{
	  "manifest": {
	    "assets": {
	      "fragments": "fragments.fl",
	      "pdb": {"avs": "../pdb/avs.pack"},
	      "count": 3
	    },
	    "shared_assets": {"pdb": {"attrs": "../../pdb/attrs.json"}}
	  },
	  "__dirname__": "view1"
	}`), &m))

	assets := m.Assets()
	require.Len(t, assets, 2)
	assert.Equal(t, Asset{Key: "fragments", Path: "fragments.fl"}, assets[0])
	assert.Equal(t, "pdb", assets[1].Key)
	assert.Equal(t, map[string]string{"avs": "../pdb/avs.pack"}, assets[1].Group)
	assert.Equal(t, "view1", m.Dir)
	assert.Equal(t, []string{"attrs"}, SortedKeys(m.Manifest.SharedAssets.Pdb))
}
