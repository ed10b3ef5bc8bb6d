package caffe

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Marshal encodes a fully populated net into the binary .caffemodel wire form.
//
// Every blob must have a valid shape and hold exactly as many values as it
// describes; otherwise an *IncompleteBufferError is returned and nothing is
// encoded. Unknown prototxt fields named rather than numbered have no binary
// form and are left out.
func Marshal(net *Net) ([]byte, error) {
	for i := range net.Layers {
		layer := &net.Layers[i]
		for j := range layer.Blobs {
			blob := &layer.Blobs[j]
			if !blob.Filled() {
				return nil, &IncompleteBufferError{
					Layer: layer.Name,
					Type:  layer.Type,
					Blob:  j,
					Want:  blob.Count(),
					Got:   len(blob.Data),
				}
			}
		}
	}
	if klog.V(1).Enabled() {
		if n := textOnlyFields(net); n > 0 {
			klog.Infof("%d unknown prototxt fields have no field number and are not encoded", n)
		}
	}
	return appendMessage(nil, net), nil
}

// Unmarshal decodes a binary .caffemodel payload.
//
// Blobs come back populated: a blob whose value count differs from its shape is
// reported as a truncated buffer. Legacy 4-D blob dimensions are folded into
// BlobShape. Fields outside the supported subset of caffe.proto are kept as
// raw bytes and written back by Marshal.
func Unmarshal(data []byte) (*Net, error) {
	net := &Net{}
	if err := decodeMessage(data, net); err != nil {
		return nil, err
	}
	net.normalize()
	if name, dup := net.duplicateLayer(); dup {
		return nil, &CorruptWireFormatError{Layer: name, Msg: "duplicate layer name"}
	}
	for i := range net.Layers {
		layer := &net.Layers[i]
		for j := range layer.Blobs {
			blob := &layer.Blobs[j]
			if !blob.Filled() {
				return nil, &CorruptWireFormatError{
					Layer: layer.Name,
					Field: "blobs",
					Msg:   truncatedMsg(j, blob),
				}
			}
		}
	}
	return net, nil
}

func truncatedMsg(index int, blob *Blob) string {
	if blob.Count() < 0 {
		return "blob " + itoa(int64(index)) + " has invalid shape " + blob.Shape.String()
	}
	return "truncated buffer: blob " + itoa(int64(index)) + " " + blob.Shape.String() +
		" wants " + itoa(blob.Count()) + " values, has " + itoa(int64(len(blob.Data)))
}

// appendMessage appends the wire encoding of m to b. Zero scalars and nil
// optional fields are omitted. Unknown fields are merged back by number.
//
//nolint:gocyclo,cyclop // One case per supported field binding.
func appendMessage(b []byte, m message) []byte {
	unknown := byNumber(m.unknown().wire)
	for _, f := range m.fields() {
		b, unknown = appendUnknownBefore(b, unknown, f.num)
		switch v := f.val.(type) {
		case *string:
			if *v != "" {
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendString(b, *v)
			}
		case *[]string:
			for _, s := range *v {
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendString(b, s)
			}
		case *int32:
			if *v != 0 {
				b = appendInt32(b, f.num, *v)
			}
		case **int32:
			if *v != nil {
				b = appendInt32(b, f.num, **v)
			}
		case *[]int32:
			if len(*v) > 0 {
				var packed []byte
				for _, x := range *v {
					packed = protowire.AppendVarint(packed, uint64(int64(x)))
				}
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendBytes(b, packed)
			}
		case *uint32:
			if *v != 0 {
				b = protowire.AppendTag(b, f.num, protowire.VarintType)
				b = protowire.AppendVarint(b, uint64(*v))
			}
		case *[]uint32:
			// Unpacked, as caffe.proto declares these fields.
			for _, x := range *v {
				b = protowire.AppendTag(b, f.num, protowire.VarintType)
				b = protowire.AppendVarint(b, uint64(x))
			}
		case *[]int64:
			if len(*v) > 0 {
				var packed []byte
				for _, x := range *v {
					packed = protowire.AppendVarint(packed, uint64(x))
				}
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendBytes(b, packed)
			}
		case *float32:
			if *v != 0 || math.Signbit(float64(*v)) {
				b = appendFloat32(b, f.num, *v)
			}
		case **float32:
			if *v != nil {
				b = appendFloat32(b, f.num, **v)
			}
		case *[]float32:
			if len(*v) > 0 {
				packed := make([]byte, 0, 4*len(*v))
				for _, x := range *v {
					packed = protowire.AppendFixed32(packed, math.Float32bits(x))
				}
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendBytes(b, packed)
			}
		case *[]float64:
			if len(*v) > 0 {
				packed := make([]byte, 0, 8*len(*v))
				for _, x := range *v {
					packed = protowire.AppendFixed64(packed, math.Float64bits(x))
				}
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendBytes(b, packed)
			}
		case *bool:
			if *v {
				b = appendBool(b, f.num, true)
			}
		case **bool:
			if *v != nil {
				b = appendBool(b, f.num, **v)
			}
		case enumRef:
			if x, ok := v.get(); ok {
				b = appendInt32(b, f.num, x)
			}
		case subMessage:
			for _, sub := range v.present() {
				b = protowire.AppendTag(b, f.num, protowire.BytesType)
				b = protowire.AppendBytes(b, appendMessage(nil, sub))
			}
		}
	}
	for _, u := range unknown {
		b = append(b, u.raw...)
	}
	return b
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendFloat32(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// parser walks one message's worth of wire data.
type parser struct {
	data []byte
	pos  int
}

// decodeMessage decodes data into m, merging repeated occurrences.
func decodeMessage(data []byte, m message) error {
	p := &parser{data: data}
	idx := indexFields(m)
	for p.pos < len(p.data) {
		start := p.pos
		num, wireType, err := p.readTag()
		if err != nil {
			return err
		}
		f, ok := idx.byNum[num]
		if !ok {
			if err := p.skipField(num, wireType); err != nil {
				return err
			}
			m.unknown().addRaw(num, p.data[start:p.pos])
			continue
		}
		if err := p.readField(f, wireType); err != nil {
			var corrupt *CorruptWireFormatError
			if errors.As(err, &corrupt) && corrupt.Field == "" {
				corrupt.Field = f.name
			}
			// Attribute errors inside a layer to that layer when its name was
			// decoded before the failure.
			if l, isLayer := m.(*Layer); isLayer && corrupt != nil && corrupt.Layer == "" {
				corrupt.Layer = l.Name
			}
			return err
		}
	}
	return nil
}

//nolint:gocognit,gocyclo,cyclop,funlen // One case per supported field binding.
func (p *parser) readField(f field, wireType protowire.Type) error {
	switch v := f.val.(type) {
	case *string:
		data, err := p.readBytesOf(wireType)
		if err != nil {
			return err
		}
		*v = string(data)
	case *[]string:
		data, err := p.readBytesOf(wireType)
		if err != nil {
			return err
		}
		*v = append(*v, string(data))
	case *int32:
		x, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		*v = int32(x) //nolint:gosec // G115: int32 fields are sign-extended varints.
	case **int32:
		x, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		i := int32(x) //nolint:gosec // G115: int32 fields are sign-extended varints.
		*v = &i
	case *[]int32:
		return p.readVarints(wireType, func(x uint64) {
			*v = append(*v, int32(x)) //nolint:gosec // G115: int32 fields are sign-extended varints.
		})
	case *uint32:
		x, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		*v = uint32(x) //nolint:gosec // G115: uint32 fields fit.
	case *[]uint32:
		return p.readVarints(wireType, func(x uint64) {
			*v = append(*v, uint32(x)) //nolint:gosec // G115: uint32 fields fit.
		})
	case *[]int64:
		return p.readVarints(wireType, func(x uint64) {
			*v = append(*v, int64(x)) //nolint:gosec // G115: int64 varints.
		})
	case *float32:
		x, err := p.readFloat32Of(wireType)
		if err != nil {
			return err
		}
		*v = x
	case **float32:
		x, err := p.readFloat32Of(wireType)
		if err != nil {
			return err
		}
		*v = &x
	case *[]float32:
		if wireType == protowire.Fixed32Type {
			x, err := p.readFloat32Of(wireType)
			if err != nil {
				return err
			}
			*v = append(*v, x)
			return nil
		}
		data, err := p.readBytesOf(wireType)
		if err != nil {
			return err
		}
		if len(data)%4 != 0 {
			return &CorruptWireFormatError{Msg: "packed float payload of " + itoa(int64(len(data))) + " bytes is not a multiple of 4"}
		}
		if *v == nil {
			*v = make([]float32, 0, len(data)/4)
		}
		for len(data) > 0 {
			bits, n := protowire.ConsumeFixed32(data)
			*v = append(*v, math.Float32frombits(bits))
			data = data[n:]
		}
	case *[]float64:
		if wireType == protowire.Fixed64Type {
			bits, n := protowire.ConsumeFixed64(p.data[p.pos:])
			if n < 0 {
				return corruptFrom(n)
			}
			p.pos += n
			*v = append(*v, math.Float64frombits(bits))
			return nil
		}
		data, err := p.readBytesOf(wireType)
		if err != nil {
			return err
		}
		if len(data)%8 != 0 {
			return &CorruptWireFormatError{Msg: "packed double payload of " + itoa(int64(len(data))) + " bytes is not a multiple of 8"}
		}
		for len(data) > 0 {
			bits, n := protowire.ConsumeFixed64(data)
			*v = append(*v, math.Float64frombits(bits))
			data = data[n:]
		}
	case *bool:
		x, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		*v = protowire.DecodeBool(x)
	case **bool:
		x, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		bv := protowire.DecodeBool(x)
		*v = &bv
	case enumRef:
		x, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		v.set(int32(x)) //nolint:gosec // G115: enums are int32 varints.
	case subMessage:
		data, err := p.readBytesOf(wireType)
		if err != nil {
			return err
		}
		return decodeMessage(data, v.alloc())
	}
	return nil
}

// readTag reads a field tag.
func (p *parser) readTag() (protowire.Number, protowire.Type, error) {
	num, wireType, n := protowire.ConsumeTag(p.data[p.pos:])
	if n < 0 {
		return 0, 0, corruptFrom(n)
	}
	p.pos += n
	return num, wireType, nil
}

// readVarintOf reads a varint after checking the field's wire type.
func (p *parser) readVarintOf(wireType protowire.Type) (uint64, error) {
	if wireType != protowire.VarintType {
		return 0, wireTypeMismatch(wireType, protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(p.data[p.pos:])
	if n < 0 {
		return 0, corruptFrom(n)
	}
	p.pos += n
	return v, nil
}

// readVarints reads one varint or a packed run of them.
func (p *parser) readVarints(wireType protowire.Type, add func(uint64)) error {
	if wireType == protowire.VarintType {
		v, err := p.readVarintOf(wireType)
		if err != nil {
			return err
		}
		add(v)
		return nil
	}
	data, err := p.readBytesOf(wireType)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return corruptFrom(n)
		}
		add(v)
		data = data[n:]
	}
	return nil
}

// readFloat32Of reads a fixed32 float after checking the field's wire type.
func (p *parser) readFloat32Of(wireType protowire.Type) (float32, error) {
	if wireType != protowire.Fixed32Type {
		return 0, wireTypeMismatch(wireType, protowire.Fixed32Type)
	}
	bits, n := protowire.ConsumeFixed32(p.data[p.pos:])
	if n < 0 {
		return 0, corruptFrom(n)
	}
	p.pos += n
	return math.Float32frombits(bits), nil
}

// readBytesOf reads a length-delimited payload after checking the field's wire type.
func (p *parser) readBytesOf(wireType protowire.Type) ([]byte, error) {
	if wireType != protowire.BytesType {
		return nil, wireTypeMismatch(wireType, protowire.BytesType)
	}
	data, n := protowire.ConsumeBytes(p.data[p.pos:])
	if n < 0 {
		return nil, corruptFrom(n)
	}
	p.pos += n
	return data, nil
}

// skipField moves past a field the schema does not know.
func (p *parser) skipField(num protowire.Number, wireType protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, wireType, p.data[p.pos:])
	if n < 0 {
		return corruptFrom(n)
	}
	p.pos += n
	return nil
}

func corruptFrom(n int) error {
	return &CorruptWireFormatError{Msg: protowire.ParseError(n).Error()}
}

func wireTypeMismatch(got, want protowire.Type) error {
	return &CorruptWireFormatError{Msg: "wire type " + itoa(int64(got)) + ", want " + itoa(int64(want))}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
