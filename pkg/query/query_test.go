package query

import (
	"testing"

	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tree"
)

func TestParse(t *testing.T) {
	p, err := Parse("@[0]/301001/001001[1]")
	if err != nil {
		t.Fatal(err)
	}
	if p.SubsetIndex != 0 {
		t.Fatalf("subset = %d", p.SubsetIndex)
	}
	if len(p.Components) != 2 {
		t.Fatalf("%d components", len(p.Components))
	}
	if p.Components[0].Sep != SepChild || p.Components[0].ID != "301001" || p.Components[0].Index != -1 {
		t.Fatalf("component 0 = %+v", p.Components[0])
	}
	if p.Components[1].ID != "001001" || p.Components[1].Index != 1 {
		t.Fatalf("component 1 = %+v", p.Components[1])
	}
}

func TestParseDescendAndAttr(t *testing.T) {
	p, err := Parse(">012001.033007")
	if err != nil {
		t.Fatal(err)
	}
	if p.Components[0].Sep != SepDescend || p.Components[1].Sep != SepAttr {
		t.Fatalf("separators = %+v", p.Components)
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{"", "001001", "/", "/001001[", "@[0]"} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("expected parse error for %q", expr)
		}
	}
}

func buildTree() *tree.Node {
	e1 := &tree.Node{DescriptorID: descriptor.NewID(0, 1, 1), Kind: descriptor.KindElement, Values: []tree.Value{int64(2)}}
	e2 := &tree.Node{DescriptorID: descriptor.NewID(0, 1, 2), Kind: descriptor.KindElement, Values: []tree.Value{int64(4)}}
	seq := &tree.Node{DescriptorID: descriptor.NewID(3, 1, 1), Kind: descriptor.KindSequence, Children: []*tree.Node{e1, e2}}
	temp := &tree.Node{DescriptorID: descriptor.NewID(0, 12, 1), Kind: descriptor.KindElement, Values: []tree.Value{int64(291)}}
	q := &tree.Node{DescriptorID: descriptor.NewID(0, 33, 7), Kind: descriptor.KindMarker, MarkerKind: descriptor.MarkerQualityInfo, Values: []tree.Value{int64(90)}}
	temp.SetAttribute(tree.AttrQualityInfo, q)
	sub := &tree.Node{DescriptorID: descriptor.NewID(0, 12, 1), Kind: descriptor.KindMarker, MarkerKind: descriptor.MarkerSubstitution, Values: []tree.Value{int64(292)}}
	temp.SetAttribute(tree.AttrSubstitution, sub)
	return &tree.Node{Kind: descriptor.KindSequence, Children: []*tree.Node{seq, temp}}
}

func TestFindDirectChild(t *testing.T) {
	root := buildTree()
	nodes, err := Find(root, "/301001/001001")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].Values[0] != int64(2) {
		t.Fatalf("nodes = %v", nodes)
	}
}

func TestFindDescendant(t *testing.T) {
	root := buildTree()
	nodes, err := Find(root, ">001002")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].Values[0] != int64(4) {
		t.Fatalf("nodes = %v", nodes)
	}
}

func TestFindAttribute(t *testing.T) {
	root := buildTree()
	nodes, err := Find(root, "/012001.033007")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].Values[0] != int64(90) {
		t.Fatalf("nodes = %v", nodes)
	}
}

// Derived kinds match by their synthetic name, not the bare element id.
func TestFindSubstitutionMarkerByLabel(t *testing.T) {
	root := buildTree()
	nodes, err := Find(root, "/012001.T12001")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].Values[0] != int64(292) {
		t.Fatalf("nodes = %v", nodes)
	}
}

func TestFindNoMatch(t *testing.T) {
	root := buildTree()
	nodes, err := Find(root, "/999999")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Fatalf("nodes = %v", nodes)
	}
}

func TestFindIndexOutOfRange(t *testing.T) {
	root := buildTree()
	nodes, err := Find(root, "/301001/001001[5]")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Fatalf("nodes = %v", nodes)
	}
}
