package caffe

import (
	"fmt"
	"slices"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// unknownFields keeps the fields of a message that lie outside the supported
// subset of caffe.proto, so a decode followed by an encode does not lose them.
//
// Binary fields are kept as raw tag and value bytes. Text fields whose name
// is not a field number have no binary form and are kept as text only.
type unknownFields struct {
	wire []rawField
	text []textField
}

func (u *unknownFields) unknown() *unknownFields { return u }

// rawField is one encoded field: tag followed by value.
type rawField struct {
	num protowire.Number
	raw []byte
}

// textField is an unknown named field from a prototxt, value as written.
type textField struct {
	name  string
	value string // Scalar token, strings quoted
	msg   bool   // Nested message held in sub
	sub   []textField
}

func (u *unknownFields) addRaw(num protowire.Number, raw []byte) {
	u.wire = append(u.wire, rawField{num: num, raw: append([]byte(nil), raw...)})
}

// byNumber returns fields stably sorted by field number.
func byNumber(fields []rawField) []rawField {
	cmp := func(a, b rawField) int { return int(a.num) - int(b.num) }
	if slices.IsSortedFunc(fields, cmp) {
		return fields
	}
	sorted := slices.Clone(fields)
	slices.SortStableFunc(sorted, cmp)
	return sorted
}

// appendUnknownBefore appends the raw fields numbered below num and returns the rest.
func appendUnknownBefore(b []byte, fields []rawField, num protowire.Number) ([]byte, []rawField) {
	for len(fields) > 0 && fields[0].num < num {
		b = append(b, fields[0].raw...)
		fields = fields[1:]
	}
	return b, fields
}

// rawEntry is a decoded raw field used for text output.
type rawEntry struct {
	num      protowire.Number
	wireType protowire.Type
	value    []byte // Value bytes, without the tag
}

// splitRaw splits data into fields. It reports false unless data is a well
// formed message whose fields would be re-encoded to the same bytes by
// parseRawField: no groups, minimal tags and varints.
func splitRaw(data []byte) ([]rawEntry, bool) {
	var entries []rawEntry
	for len(data) > 0 {
		num, wireType, n := protowire.ConsumeTag(data)
		if n < 0 || n != protowire.SizeTag(num) {
			return nil, false
		}
		m := protowire.ConsumeFieldValue(num, wireType, data[n:])
		if m < 0 {
			return nil, false
		}
		value := data[n : n+m]
		switch wireType {
		case protowire.VarintType:
			v, _ := protowire.ConsumeVarint(value)
			if protowire.SizeVarint(v) != m {
				return nil, false
			}
		case protowire.BytesType:
			_, k := protowire.ConsumeVarint(value)
			if protowire.SizeVarint(uint64(m-k)) != k {
				return nil, false
			}
		case protowire.StartGroupType, protowire.EndGroupType:
			return nil, false
		}
		entries = append(entries, rawEntry{num: num, wireType: wireType, value: value})
		data = data[n+m:]
	}
	return entries, true
}

// writeRaw prints raw fields with their numbers as names. Nested payloads that
// parse as messages are printed as messages, other payloads as strings. Groups
// have no text form and are left out.
func (w *textWriter) writeRaw(fields []rawField) {
	for _, f := range fields {
		entries, ok := splitRaw(f.raw)
		if !ok {
			// Groups and non-canonical encodings.
			continue
		}
		w.writeRawEntries(entries)
	}
}

func (w *textWriter) writeRawEntries(entries []rawEntry) {
	for _, e := range entries {
		name := strconv.Itoa(int(e.num))
		switch e.wireType {
		case protowire.VarintType:
			v, _ := protowire.ConsumeVarint(e.value)
			w.line(name, strconv.FormatUint(v, 10))
		case protowire.Fixed32Type:
			v, _ := protowire.ConsumeFixed32(e.value)
			w.line(name, fmt.Sprintf("0x%08x", v))
		case protowire.Fixed64Type:
			v, _ := protowire.ConsumeFixed64(e.value)
			w.line(name, fmt.Sprintf("0x%016x", v))
		case protowire.BytesType:
			payload, _ := protowire.ConsumeBytes(e.value)
			if sub, ok := splitRaw(payload); ok && len(sub) > 0 {
				w.open(name)
				w.writeRawEntries(sub)
				w.close()
				continue
			}
			w.line(name, strconv.Quote(string(payload)))
		}
	}
}

func (w *textWriter) writeTextFields(fields []textField) {
	for _, f := range fields {
		if f.msg {
			w.open(f.name)
			w.writeTextFields(f.sub)
			w.close()
			continue
		}
		w.line(f.name, f.value)
	}
}

// valueStart reads past the optional ':' after a field name and returns the
// first token of the value.
func (p *textParser) valueStart() (tok token, colon bool, err error) {
	if tok, err = p.lex.next(); err != nil {
		return tok, false, err
	}
	if tok.kind == tokPunct && tok.text == ":" {
		tok, err = p.lex.next()
		return tok, true, err
	}
	return tok, false, nil
}

func isOpener(tok token) bool {
	return tok.kind == tokPunct && (tok.text == "{" || tok.text == "<")
}

// parseRawField parses the value of a field named by its number and returns
// its binary encoding: integers as varints, 8 and 16 digit hex words as
// fixed32 and fixed64, strings and nested messages as length-delimited bytes.
func (p *textParser) parseRawField(num protowire.Number) ([]byte, error) {
	tok, colon, err := p.valueStart()
	if err != nil {
		return nil, err
	}
	if colon && tok.kind == tokPunct && tok.text == "[" {
		var b []byte
		err := p.parseList(func() error {
			v, err := p.lex.next()
			if err != nil {
				return err
			}
			entry, err := p.rawValue(num, v, true)
			b = append(b, entry...)
			return err
		})
		return b, err
	}
	return p.rawValue(num, tok, colon)
}

func (p *textParser) rawValue(num protowire.Number, tok token, colon bool) ([]byte, error) {
	switch {
	case isOpener(tok):
		payload, err := p.parseRawMessage(closerOf(tok.text))
		if err != nil {
			return nil, err
		}
		b := protowire.AppendTag(nil, num, protowire.BytesType)
		return protowire.AppendBytes(b, payload), nil
	case !colon:
		return nil, p.errorf(tok, "expected ':' or '{' after field %d", num)
	case tok.kind == tokString:
		s, err := p.readStringValue(tok)
		if err != nil {
			return nil, err
		}
		b := protowire.AppendTag(nil, num, protowire.BytesType)
		return protowire.AppendString(b, s), nil
	case tok.kind == tokWord:
		return p.rawScalar(num, tok)
	}
	return nil, p.errorf(tok, "field %d expects a value, got %q", num, tok.text)
}

func (p *textParser) rawScalar(num protowire.Number, tok token) ([]byte, error) {
	s := tok.text
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		switch len(s) {
		case 10:
			v, err := strconv.ParseUint(s[2:], 16, 32)
			if err == nil {
				b := protowire.AppendTag(nil, num, protowire.Fixed32Type)
				return protowire.AppendFixed32(b, uint32(v)), nil //nolint:gosec // G115: parsed with bitSize 32.
			}
		case 18:
			v, err := strconv.ParseUint(s[2:], 16, 64)
			if err == nil {
				b := protowire.AppendTag(nil, num, protowire.Fixed64Type)
				return protowire.AppendFixed64(b, v), nil
			}
		}
	}
	var v uint64
	if u, err := strconv.ParseUint(s, 0, 64); err == nil {
		v = u
	} else if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		v = uint64(i) //nolint:gosec // G115: negative varints are two's complement.
	} else {
		return nil, p.errorf(tok, "field %d: %q is not an integer, a hex fixed32/fixed64 or a string", num, s)
	}
	b := protowire.AppendTag(nil, num, protowire.VarintType)
	return protowire.AppendVarint(b, v), nil
}

// parseRawMessage parses numbered fields up to closer into a message payload.
func (p *textParser) parseRawMessage(closer string) ([]byte, error) {
	var b []byte
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}
		switch {
		case tok.kind == tokEOF:
			return nil, p.errorf(tok, "unexpected end of input, expected %q", closer)
		case tok.kind == tokPunct && tok.text == closer:
			return b, nil
		case tok.kind == tokPunct && (tok.text == ";" || tok.text == ","):
			continue
		}
		num, ok := fieldNumber(tok)
		if !ok {
			return nil, p.errorf(tok, "expected field number, got %q", tok.text)
		}
		entry, err := p.parseRawField(num)
		if err != nil {
			return nil, err
		}
		b = append(b, entry...)
	}
}

// fieldNumber reports whether tok names a field by its number.
func fieldNumber(tok token) (protowire.Number, bool) {
	if tok.kind != tokWord {
		return 0, false
	}
	for i := 0; i < len(tok.text); i++ {
		if tok.text[i] < '0' || tok.text[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(tok.text, 10, 32)
	if err != nil {
		return 0, false
	}
	num := protowire.Number(v)
	return num, num.IsValid()
}

// parseTextField parses the value of an unknown named field, keeping it as
// text. Lists yield one field per element.
func (p *textParser) parseTextField(name string) ([]textField, error) {
	tok, colon, err := p.valueStart()
	if err != nil {
		return nil, err
	}
	if colon && tok.kind == tokPunct && tok.text == "[" {
		var out []textField
		err := p.parseList(func() error {
			v, err := p.lex.next()
			if err != nil {
				return err
			}
			f, err := p.textValue(name, v, true)
			out = append(out, f)
			return err
		})
		return out, err
	}
	f, err := p.textValue(name, tok, colon)
	if err != nil {
		return nil, err
	}
	return []textField{f}, nil
}

func (p *textParser) textValue(name string, tok token, colon bool) (textField, error) {
	switch {
	case isOpener(tok):
		sub, err := p.parseTextFields(closerOf(tok.text))
		return textField{name: name, msg: true, sub: sub}, err
	case !colon:
		return textField{}, p.errorf(tok, "expected ':' or '{' after %q", name)
	case tok.kind == tokString:
		s, err := p.readStringValue(tok)
		return textField{name: name, value: strconv.Quote(s)}, err
	case tok.kind == tokWord:
		return textField{name: name, value: tok.text}, nil
	}
	return textField{}, p.errorf(tok, "field %q expects a value, got %q", name, tok.text)
}

func (p *textParser) parseTextFields(closer string) ([]textField, error) {
	var out []textField
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}
		switch {
		case tok.kind == tokEOF:
			return nil, p.errorf(tok, "unexpected end of input, expected %q", closer)
		case tok.kind == tokPunct && tok.text == closer:
			return out, nil
		case tok.kind == tokPunct && (tok.text == ";" || tok.text == ","):
			continue
		case tok.kind != tokWord:
			return nil, p.errorf(tok, "expected field name, got %q", tok.text)
		}
		fs, err := p.parseTextField(tok.text)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
}

// textOnlyFields counts the unknown named fields in m and its sub-messages.
func textOnlyFields(m message) int {
	n := len(m.unknown().text)
	for _, f := range m.fields() {
		if sub, ok := f.val.(subMessage); ok {
			for _, s := range sub.present() {
				n += textOnlyFields(s)
			}
		}
	}
	return n
}
