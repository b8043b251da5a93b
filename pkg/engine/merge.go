package engine

import "github.com/madpsy/bufrkit/pkg/tree"

// MergeSubsets folds N structurally-identical per-subset trees (as
// produced by walking an uncompressed message once per subset) into the
// single combined tree, where every leaf's Values vector has
// length n_subsets. Compressed decodes never need this: they already
// produce one tree with multi-subset leaves directly.
//
// If subset shapes diverge (a message where delayed replication read a
// different count in some subset), MergeSubsets returns an error; callers
// that must tolerate that should keep the per-subset roots instead.
func MergeSubsets(roots []*tree.Node) (*tree.Node, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	if len(roots) == 1 {
		return roots[0], nil
	}
	remap := make(map[*tree.Node]*tree.Node)
	merged, err := mergeNodes(roots, remap)
	if err != nil {
		return nil, err
	}
	// Marker owners still point into the subset-0 tree; follow them to
	// their merged counterparts so wiring attaches attributes to nodes
	// that are actually in the result.
	merged.Walk(func(n *tree.Node) {
		if n.Owner != nil {
			if m, ok := remap[n.Owner]; ok {
				n.Owner = m
			}
		}
	})
	return merged, nil
}

func mergeNodes(nodes []*tree.Node, remap map[*tree.Node]*tree.Node) (*tree.Node, error) {
	first := nodes[0]
	merged := &tree.Node{
		DescriptorID:       first.DescriptorID,
		Kind:               first.Kind,
		Element:            first.Element,
		EffectiveNBits:     first.EffectiveNBits,
		EffectiveScale:     first.EffectiveScale,
		EffectiveReference: first.EffectiveReference,
		Owner:              first.Owner,
		MarkerKind:         first.MarkerKind,
		GroupSize:          first.GroupSize,
		Meaning:            first.Meaning,
	}
	remap[first] = merged

	for _, n := range nodes {
		if n.DescriptorID != first.DescriptorID || n.Kind != first.Kind || len(n.Children) != len(first.Children) {
			return nil, &Error{Kind: KindValidationFailed, Message: "subset trees diverge in shape and cannot be merged"}
		}
		if len(n.Values) > 0 {
			merged.Values = append(merged.Values, n.Values[0])
		}
	}

	if len(first.Children) > 0 {
		merged.Children = make([]*tree.Node, len(first.Children))
		for c := range first.Children {
			childSet := make([]*tree.Node, len(nodes))
			for s, n := range nodes {
				childSet[s] = n.Children[c]
			}
			mergedChild, err := mergeNodes(childSet, remap)
			if err != nil {
				return nil, err
			}
			merged.Children[c] = mergedChild
		}
	}

	return merged, nil
}
