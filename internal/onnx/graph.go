package onnx

// AttrInt builds an INT attribute.
func AttrInt(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// AttrInts builds an INTS attribute.
func AttrInts(name string, v ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: v}
}

// AttrFloat builds a FLOAT attribute.
func AttrFloat(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// AttrString builds a STRING attribute.
func AttrString(name, v string) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoString, S: []byte(v)}
}

// AttrTensor builds a TENSOR attribute.
func AttrTensor(name string, t TensorProto) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoTensor, T: &t}
}

// Attr returns the named attribute, or nil.
func (n *NodeProto) Attr(name string) *AttributeProto {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i]
		}
	}
	return nil
}

// IsDefaultDomain reports whether the node belongs to the standard operator set.
func (n *NodeProto) IsDefaultDomain() bool {
	return n.Domain == "" || n.Domain == DefaultDomain
}

// OpsetVersion returns the imported version of an operator domain, or 0.
// The empty domain and "ai.onnx" are the same domain.
func (m *ModelProto) OpsetVersion(domain string) int64 {
	for _, opset := range m.OpsetImport {
		if sameDomain(opset.Domain, domain) {
			return opset.Version
		}
	}
	return 0
}

// SetOpsetVersion sets (or adds) the imported version of an operator domain.
func (m *ModelProto) SetOpsetVersion(domain string, version int64) {
	for i := range m.OpsetImport {
		if sameDomain(m.OpsetImport[i].Domain, domain) {
			m.OpsetImport[i].Version = version
			return
		}
	}
	m.OpsetImport = append(m.OpsetImport, OperatorSetID{Domain: domain, Version: version})
}

// Metadata returns model metadata props as a map.
func (m *ModelProto) Metadata() map[string]string {
	meta := make(map[string]string, len(m.MetadataProps))
	for _, prop := range m.MetadataProps {
		meta[prop.Key] = prop.Value
	}
	return meta
}

// SetMetadata sets (or adds) a metadata prop.
func (m *ModelProto) SetMetadata(key, value string) {
	for i := range m.MetadataProps {
		if m.MetadataProps[i].Key == key {
			m.MetadataProps[i].Value = value
			return
		}
	}
	m.MetadataProps = append(m.MetadataProps, StringStringEntry{Key: key, Value: value})
}

func sameDomain(a, b string) bool {
	if a == DefaultDomain {
		a = ""
	}
	if b == DefaultDomain {
		b = ""
	}
	return a == b
}

// InitializerIndex maps initializer names to their index in g.Initializers.
func (g *GraphProto) InitializerIndex() map[string]int {
	idx := make(map[string]int, len(g.Initializers))
	for i := range g.Initializers {
		idx[g.Initializers[i].Name] = i
	}
	return idx
}

// Initializer returns the named initializer, or nil.
func (g *GraphProto) Initializer(name string) *TensorProto {
	for i := range g.Initializers {
		if g.Initializers[i].Name == name {
			return &g.Initializers[i]
		}
	}
	return nil
}

// Consumers maps each value name to the indices of the nodes reading it.
// Values read by subgraph attributes are attributed to the owning node.
func (g *GraphProto) Consumers() map[string][]int {
	consumers := make(map[string][]int)
	for i := range g.Nodes {
		seen := make(map[string]bool)
		for _, name := range nodeReads(&g.Nodes[i]) {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			consumers[name] = append(consumers[name], i)
		}
	}
	return consumers
}

// Producers maps each value name to the index of the node writing it.
func (g *GraphProto) Producers() map[string]int {
	producers := make(map[string]int)
	for i := range g.Nodes {
		for _, out := range g.Nodes[i].Outputs {
			if out != "" {
				producers[out] = i
			}
		}
	}
	return producers
}

// OutputNames returns the set of graph output names.
func (g *GraphProto) OutputNames() map[string]bool {
	names := make(map[string]bool, len(g.Outputs))
	for i := range g.Outputs {
		names[g.Outputs[i].Name] = true
	}
	return names
}

// Reads lists the values the node reads, including outer-scope values
// referenced by its subgraphs. Omitted optional inputs are reported as "".
func (n *NodeProto) Reads() []string {
	return nodeReads(n)
}

func nodeReads(n *NodeProto) []string {
	reads := append([]string(nil), n.Inputs...)
	for i := range n.Attributes {
		a := &n.Attributes[i]
		if a.G != nil {
			reads = append(reads, graphReads(a.G)...)
		}
		for j := range a.Graphs {
			reads = append(reads, graphReads(&a.Graphs[j])...)
		}
	}
	return reads
}

// graphReads lists the values a subgraph reads without defining them.
func graphReads(g *GraphProto) []string {
	defined := make(map[string]bool)
	for i := range g.Inputs {
		defined[g.Inputs[i].Name] = true
	}
	for i := range g.Initializers {
		defined[g.Initializers[i].Name] = true
	}
	for i := range g.Nodes {
		for _, out := range g.Nodes[i].Outputs {
			defined[out] = true
		}
	}
	var reads []string
	for i := range g.Nodes {
		for _, name := range nodeReads(&g.Nodes[i]) {
			if !defined[name] {
				reads = append(reads, name)
			}
		}
	}
	for i := range g.Outputs {
		if !defined[g.Outputs[i].Name] {
			reads = append(reads, g.Outputs[i].Name)
		}
	}
	return reads
}

// RenameInput rewrites every read of from by node i to to.
func (g *GraphProto) RenameInput(i int, from, to string) {
	node := &g.Nodes[i]
	for j := range node.Inputs {
		if node.Inputs[j] == from {
			node.Inputs[j] = to
		}
	}
}

// TopologicalSort orders nodes so every producer runs before its consumers.
// Relative order is otherwise preserved.
func TopologicalSort(nodes []NodeProto) []NodeProto {
	outputToNode := make(map[string]int)
	for i := range nodes {
		for _, output := range nodes[i].Outputs {
			outputToNode[output] = i
		}
	}

	visited := make([]bool, len(nodes))
	result := make([]NodeProto, 0, len(nodes))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, input := range nodeReads(&nodes[i]) {
			if depIdx, ok := outputToNode[input]; ok {
				visit(depIdx)
			}
		}
		result = append(result, nodes[i])
	}

	for i := range nodes {
		visit(i)
	}
	return result
}
