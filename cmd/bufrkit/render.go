package main

import (
	"encoding/json"
	"strings"

	"github.com/madpsy/bufrkit/pkg/bufr"
	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tables"
	"github.com/madpsy/bufrkit/pkg/tree"
)

// renderedNode is the JSON shape of one tree node. ID is the node's
// label, so derived kinds appear under their A/S/T/F/D/R names.
type renderedNode struct {
	ID         string                  `json:"id"`
	Kind       string                  `json:"kind"`
	Name       string                  `json:"name,omitempty"`
	Unit       string                  `json:"unit,omitempty"`
	Values     []tree.Value            `json:"values,omitempty"`
	Meaning    string                  `json:"meaning,omitempty"`
	Attributes map[string]renderedNode `json:"attributes,omitempty"`
	Children   []renderedNode          `json:"children,omitempty"`
}

var attrNames = map[tree.AttrKind]string{
	tree.AttrAssociated:   "associated_field",
	tree.AttrQualityInfo:  "q_info",
	tree.AttrSubstitution: "substitution",
	tree.AttrFirstOrder:   "first_order",
	tree.AttrDifference:   "difference",
	tree.AttrReplacement:  "replacement",
}

func renderNode(n *tree.Node, provider tables.Provider) renderedNode {
	out := renderedNode{
		ID:     n.Label(),
		Kind:   n.Kind.String(),
		Values: n.Values,
	}
	if n.Element != nil {
		out.Name = n.Element.Name
		out.Unit = n.Element.Unit
		out.Meaning = codeFlagMeaning(provider, n)
	}
	if n.Kind == descriptor.KindAssociated {
		out.Meaning = n.Meaning
	}
	for kind, attr := range n.Attributes {
		if out.Attributes == nil {
			out.Attributes = make(map[string]renderedNode)
		}
		out.Attributes[attrNames[kind]] = renderNode(attr, provider)
	}
	for _, c := range n.Children {
		// markers and associated fields are already reachable via their
		// owner's attribute map; skip the duplicate flat entry
		if c.Kind == descriptor.KindMarker || c.Kind == descriptor.KindAssociated {
			continue
		}
		out.Children = append(out.Children, renderNode(c, provider))
	}
	return out
}

// codeFlagMeaning resolves a code element's value to its table text, and
// a flag element's set bits to their labels (bits are numbered 1..nbits
// from the most significant, the table convention). Lookup misses leave
// the meaning empty; the raw value is always present in Values.
func codeFlagMeaning(provider tables.Provider, n *tree.Node) string {
	if provider == nil || len(n.Values) == 0 {
		return ""
	}
	v, ok := n.Values[0].(int64)
	if !ok {
		return ""
	}
	switch n.Element.Type {
	case descriptor.TypeCode:
		text, err := provider.LookupCode(n.DescriptorID, v)
		if err != nil {
			return ""
		}
		return text
	case descriptor.TypeFlag:
		var parts []string
		nbits := n.Element.NBits
		for bit := 0; bit < nbits; bit++ {
			if v&(1<<uint(nbits-1-bit)) == 0 {
				continue
			}
			if text, err := provider.LookupCode(n.DescriptorID, int64(bit+1)); err == nil {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "|")
	}
	return ""
}

// renderedMessage is the top-level JSON shape for one decoded message.
type renderedMessage struct {
	Edition           int            `json:"edition"`
	DataCategory      int            `json:"data_category"`
	OriginatingCentre int            `json:"originating_centre"`
	MasterVersion     int            `json:"master_version"`
	NSubsets          int            `json:"n_subsets"`
	Compressed        bool           `json:"compressed"`
	Descriptors       []string       `json:"descriptors"`
	Data              []renderedNode `json:"data"`
}

// renderMessage serializes a decoded message tree to indented JSON,
// resolving code and flag values against provider.
func renderMessage(msg *bufr.Message, provider tables.Provider) ([]byte, error) {
	descs := make([]string, 0, len(msg.Section3.Descriptors))
	for _, id := range msg.Section3.Descriptors {
		descs = append(descs, id.String())
	}
	out := renderedMessage{
		Edition:           msg.Section0.Edition,
		DataCategory:      msg.Section1.DataCategory,
		OriginatingCentre: msg.Section1.OriginatingCentre,
		MasterVersion:     msg.Section1.MasterVersion,
		NSubsets:          msg.Section3.NSubsets,
		Compressed:        msg.Section3.Compressed,
		Descriptors:       descs,
	}
	for _, c := range msg.Root.Children {
		out.Data = append(out.Data, renderNode(c, provider))
	}
	return json.MarshalIndent(out, "", "  ")
}
