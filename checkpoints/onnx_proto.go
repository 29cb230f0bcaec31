package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The ONNX messages below cover the subset of onnx.proto needed to exchange
// feed-forward networks. They are encoded directly on the protobuf wire
// format; field numbers follow onnx.proto.

// TensorProto data types
const (
	TensorProtoFloat int32 = 1
)

// AttributeProto types
const (
	AttributeFloat  int32 = 1
	AttributeInt    int32 = 2
	AttributeString int32 = 3
	AttributeFloats int32 = 6
	AttributeInts   int32 = 7
)

// ModelProto is the top-level ONNX container
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
}

// OperatorSetIdProto names an operator set version
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// GraphProto holds the computation graph
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// NodeProto is one operator invocation
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

// AttributeProto is a named operator attribute
type AttributeProto struct {
	Name   string
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
	Type   int32
}

// TensorProto is a constant tensor, used for initializers
type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Name      string
	RawData   []byte
}

// ValueInfoProto describes a graph input or output. Shape entries with an
// empty Param carry a fixed size.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []Dimension
}

// Dimension is one entry of a tensor shape, either fixed or symbolic
type Dimension struct {
	Value int64
	Param string
}

// Attr returns the attribute with the given name, or nil.
func (n *NodeProto) Attr(name string) *AttributeProto {
	for _, a := range n.Attribute {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Floats returns the tensor values, decoding raw_data when float_data is empty.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != TensorProtoFloat {
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
	}
	if len(t.FloatData) > 0 || len(t.RawData) == 0 {
		return t.FloatData, nil
	}
	if len(t.RawData)%4 != 0 {
		return nil, fmt.Errorf("tensor %s: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
	}
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
	}
	return out, nil
}

// Shape returns the tensor dimensions as ints.
func (t *TensorProto) Shape() []int {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	return shape
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, op.Domain)
		ob = appendVarintField(ob, 2, uint64(op.Version))
		b = appendMessageField(b, 8, ob)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessageField(b, 1, n.marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendMessageField(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessageField(b, 12, v.marshal())
	}
	for _, v := range g.ValueInfo {
		b = appendMessageField(b, 13, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessageField(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeFloats:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeInts:
		b = appendPackedInt64s(b, 8, a.Ints)
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	b = appendPackedInt64s(b, 1, t.Dims)
	b = appendVarintField(b, 2, uint64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var db []byte
		if d.Param != "" {
			db = appendStringField(db, 2, d.Param)
		} else {
			db = protowire.AppendTag(db, 1, protowire.VarintType)
			db = protowire.AppendVarint(db, uint64(d.Value))
		}
		shape = appendMessageField(shape, 1, db)
	}

	var tensor []byte
	tensor = appendVarintField(tensor, 1, uint64(v.ElemType))
	tensor = appendMessageField(tensor, 2, shape)

	var typ []byte
	typ = appendMessageField(typ, 1, tensor)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendMessageField(b, 2, typ)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInt64s(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessageField(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessageField(b, num, packed)
}

// wireField is one decoded field of a message
type wireField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// parseFields walks the fields of an encoded message, skipping groups and
// fixed64 values which none of the decoded messages use.
func parseFields(b []byte, fn func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// int64s decodes a repeated int64 field in packed or unpacked form.
func (f wireField) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// floats decodes a repeated float field in packed or unpacked form.
func (f wireField) floats() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed32)}, nil
	}
	var out []float32
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

// Unmarshal decodes a model from protobuf wire format.
func (m *ModelProto) Unmarshal(b []byte) error {
	return parseFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			m.IrVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			m.Graph = &GraphProto{}
			return m.Graph.unmarshal(f.bytes)
		case 8:
			op := &OperatorSetIdProto{}
			m.OpsetImport = append(m.OpsetImport, op)
			return parseFields(f.bytes, func(f wireField) error {
				switch f.num {
				case 1:
					op.Domain = string(f.bytes)
				case 2:
					op.Version = int64(f.varint)
				}
				return nil
			})
		}
		return nil
	})
}

func (g *GraphProto) unmarshal(b []byte) error {
	return parseFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			n := &NodeProto{}
			g.Node = append(g.Node, n)
			return n.unmarshal(f.bytes)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t := &TensorProto{}
			g.Initializer = append(g.Initializer, t)
			return t.unmarshal(f.bytes)
		case 11, 12, 13:
			v := &ValueInfoProto{}
			if err := v.unmarshal(f.bytes); err != nil {
				return err
			}
			switch f.num {
			case 11:
				g.Input = append(g.Input, v)
			case 12:
				g.Output = append(g.Output, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		}
		return nil
	})
}

func (n *NodeProto) unmarshal(b []byte) error {
	return parseFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			n.Input = append(n.Input, string(f.bytes))
		case 2:
			n.Output = append(n.Output, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a := &AttributeProto{}
			n.Attribute = append(n.Attribute, a)
			return a.unmarshal(f.bytes)
		}
		return nil
	})
}

func (a *AttributeProto) unmarshal(b []byte) error {
	return parseFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(f.fixed32)
		case 3:
			a.I = int64(f.varint)
		case 4:
			a.S = f.bytes
		case 7:
			vals, err := f.floats()
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, vals...)
		case 8:
			vals, err := f.int64s()
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, vals...)
		case 20:
			a.Type = int32(f.varint)
		}
		return nil
	})
}

func (t *TensorProto) unmarshal(b []byte) error {
	return parseFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			vals, err := f.int64s()
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, vals...)
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			vals, err := f.floats()
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, vals...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = f.bytes
		}
		return nil
	})
}

func (v *ValueInfoProto) unmarshal(b []byte) error {
	return parseFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			// TypeProto.tensor_type
			return parseFields(f.bytes, func(f wireField) error {
				if f.num != 1 {
					return nil
				}
				return parseFields(f.bytes, func(f wireField) error {
					switch f.num {
					case 1:
						v.ElemType = int32(f.varint)
					case 2:
						return parseFields(f.bytes, func(f wireField) error {
							if f.num != 1 {
								return nil
							}
							var d Dimension
							err := parseFields(f.bytes, func(f wireField) error {
								switch f.num {
								case 1:
									d.Value = int64(f.varint)
								case 2:
									d.Param = string(f.bytes)
								}
								return nil
							})
							v.Shape = append(v.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
}
