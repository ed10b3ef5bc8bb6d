package caffe

import (
	"bytes"
	"math"
	"strconv"
	"strings"
)

// MarshalText encodes a net in the protobuf text format used by .prototxt files.
//
// Floats are printed in their shortest form that parses back to the same
// float32, so UnmarshalText(MarshalText(net)) reproduces every value exactly.
// Fields outside the supported schema follow the known ones: fields decoded
// from the binary form under their numbers ("118 { 1: 5 }"), unknown prototxt
// fields as they were written.
func MarshalText(net *Net) ([]byte, error) {
	w := &textWriter{}
	w.writeMessage(net)
	return w.buf.Bytes(), nil
}

type textWriter struct {
	buf    bytes.Buffer
	indent int
}

func (w *textWriter) line(name, value string) {
	w.buf.WriteString(strings.Repeat("  ", w.indent))
	w.buf.WriteString(name)
	w.buf.WriteString(": ")
	w.buf.WriteString(value)
	w.buf.WriteByte('\n')
}

//nolint:gocyclo,cyclop // One case per supported field binding.
func (w *textWriter) writeMessage(m message) {
	for _, f := range m.fields() {
		switch v := f.val.(type) {
		case *string:
			if *v != "" {
				w.line(f.name, strconv.Quote(*v))
			}
		case *[]string:
			for _, s := range *v {
				w.line(f.name, strconv.Quote(s))
			}
		case *int32:
			if *v != 0 {
				w.line(f.name, strconv.FormatInt(int64(*v), 10))
			}
		case **int32:
			if *v != nil {
				w.line(f.name, strconv.FormatInt(int64(**v), 10))
			}
		case *[]int32:
			for _, x := range *v {
				w.line(f.name, strconv.FormatInt(int64(x), 10))
			}
		case *uint32:
			if *v != 0 {
				w.line(f.name, strconv.FormatUint(uint64(*v), 10))
			}
		case *[]uint32:
			for _, x := range *v {
				w.line(f.name, strconv.FormatUint(uint64(x), 10))
			}
		case *[]int64:
			for _, x := range *v {
				w.line(f.name, strconv.FormatInt(x, 10))
			}
		case *float32:
			if *v != 0 || math.Signbit(float64(*v)) {
				w.line(f.name, formatFloat(float64(*v), 32))
			}
		case **float32:
			if *v != nil {
				w.line(f.name, formatFloat(float64(**v), 32))
			}
		case *[]float32:
			for _, x := range *v {
				w.line(f.name, formatFloat(float64(x), 32))
			}
		case *[]float64:
			for _, x := range *v {
				w.line(f.name, formatFloat(x, 64))
			}
		case *bool:
			if *v {
				w.line(f.name, "true")
			}
		case **bool:
			if *v != nil {
				w.line(f.name, strconv.FormatBool(**v))
			}
		case enumRef:
			if x, ok := v.get(); ok {
				w.line(f.name, v.name(x))
			}
		case subMessage:
			for _, sub := range v.present() {
				w.open(f.name)
				w.writeMessage(sub)
				w.close()
			}
		}
	}
	u := m.unknown()
	w.writeRaw(u.wire)
	w.writeTextFields(u.text)
}

func (w *textWriter) open(name string) {
	w.buf.WriteString(strings.Repeat("  ", w.indent))
	w.buf.WriteString(name)
	w.buf.WriteString(" {\n")
	w.indent++
}

func (w *textWriter) close() {
	w.indent--
	w.buf.WriteString(strings.Repeat("  ", w.indent))
	w.buf.WriteString("}\n")
}

func formatFloat(v float64, bitSize int) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, bitSize)
}
