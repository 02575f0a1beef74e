package manifest

import "strings"

// Item is one derivative root found in the bubble. Files is filled in
// later by the file list resolver.
type Item struct {
	Mime         Mime
	URN          string
	BasePath     string
	LocalPath    string
	RootFileName string
	GUID         string
	Name         string

	Files []string
}

func newItem(mime Mime, p Paths) *Item {
	return &Item{
		Mime:         mime,
		URN:          p.URN,
		BasePath:     p.BasePath,
		LocalPath:    p.LocalPath,
		RootFileName: p.RootFileName,
	}
}

// Walk traverses the bubble depth-first and returns its derivative roots
// in discovery order. Each leaf node's URN is rewritten to its $file$
// placeholder so the tree, once saved, points into the mirror.
func Walk(bubble *Node) []*Item {
	w := walker{bubble: bubble}
	w.visit(bubble, nil)
	return w.items
}

type walker struct {
	bubble *Node
	items  []*Item
}

func (w *walker) visit(node, parent *Node) {
	if node.Role.IsLeaf() {
		w.leaf(node, parent)
	}
	if node.Type == "geometry" && node.IntermediateFile != "" {
		w.intermediate(node)
	}
	for _, child := range node.Children {
		w.visit(child, node)
	}
}

func (w *walker) leaf(node, parent *Node) {
	p := ExtractPaths(node.URN)
	item := newItem(node.Mime, p)
	node.URN = p.LocalURN()
	w.items = append(w.items, item)

	if node.Mime != MimeSVF && node.Mime != MimeF2D || parent == nil {
		return
	}
	item.Name = parent.Name
	node.Name = parent.Name
	if parent.HasThumbnail {
		w.items = append(w.items, &Item{
			Mime:         MimeThumbnail,
			URN:          w.bubble.URN,
			GUID:         parent.GUID,
			LocalPath:    item.LocalPath,
			RootFileName: item.RootFileName + ".png",
		})
	}
}

// intermediate derives the full remote path of a geometry node's
// intermediate file from its F2D child, which carries the bubble URN.
func (w *walker) intermediate(node *Node) {
	var f2d *Node
	for _, c := range node.Children {
		if c.Mime == MimeF2D {
			f2d = c
			break
		}
	}
	if f2d == nil || w.bubble.URN == "" {
		return
	}

	idx := strings.Index(f2d.URN, w.bubble.URN)
	if idx < 0 {
		return
	}
	baseURL := f2d.URN[:idx+len(w.bubble.URN)]

	intPath := "/" + node.IntermediateFile
	if strings.HasPrefix(baseURL, "urn:adsk.objects") {
		intPath = EncodeURIComponent(intPath)
	}

	item := newItem(MimeOctetStream, ExtractPaths(baseURL+intPath))
	item.GUID = node.GUID
	w.items = append(w.items, item)
}
