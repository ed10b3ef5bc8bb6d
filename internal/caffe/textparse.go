package caffe

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// UnmarshalText decodes a net from the protobuf text format.
//
// The grammar accepted is the one protobuf text parsers accept for prototxt
// files: "field: value" pairs, nested "field { ... }" (or "<...>") messages with
// an optional colon, "[a, b]" lists, '#' comments, quoted strings with C escapes,
// enum names, and optional ',' or ';' separators. Blob data is not required to
// match its shape here. Errors are *MalformedTopologyError.
//
// Fields outside the supported schema are kept. A field named by its number
// is encoded and written by Marshal; any other unknown field is kept as text
// and only MarshalText writes it back.
func UnmarshalText(text []byte) (*Net, error) {
	net := &Net{}
	p := &textParser{lex: newLexer(string(text))}
	if err := p.parseFields(net, ""); err != nil {
		return nil, err
	}
	net.normalize()
	if name, dup := net.duplicateLayer(); dup {
		return nil, &MalformedTopologyError{Layer: name, Msg: "duplicate layer name"}
	}
	return net, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string // Raw text; unquoted value for strings
	line int
	col  int
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
	peek *token
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || c == '-' || c == '+' ||
		('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// next returns the next token.
func (l *lexer) next() (token, error) {
	if l.peek != nil {
		t := *l.peek
		l.peek = nil
		return t, nil
	}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance()
			}
			continue
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == '\v':
			l.advance()
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line, col: l.col}, nil
	}

	tok := token{line: l.line, col: l.col}
	c := l.src[l.pos]
	switch {
	case strings.IndexByte("{}<>[]:,;", c) >= 0:
		l.advance()
		tok.kind = tokPunct
		tok.text = string(c)
	case c == '"' || c == '\'':
		s, err := l.readString(c)
		if err != nil {
			return token{}, &MalformedTopologyError{Line: tok.line, Column: tok.col, Msg: err.Error()}
		}
		tok.kind = tokString
		tok.text = s
	case isWordByte(c):
		start := l.pos
		for l.pos < len(l.src) && isWordByte(l.src[l.pos]) {
			l.advance()
		}
		tok.kind = tokWord
		tok.text = l.src[start:l.pos]
	default:
		return token{}, &MalformedTopologyError{Line: tok.line, Column: tok.col, Msg: "unexpected character " + strconv.QuoteRune(rune(c))}
	}
	return tok, nil
}

func (l *lexer) unread(t token) {
	l.peek = &t
}

// readString reads a quoted string starting at the opening quote.
func (l *lexer) readString(quote byte) (string, error) {
	l.advance()
	var raw strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", errors.New("unterminated string")
		}
		c := l.advance()
		if c == '\n' {
			return "", errors.New("newline in string")
		}
		if c == quote {
			break
		}
		if c == '\\' {
			if l.pos >= len(l.src) {
				return "", errors.New("unterminated string")
			}
			c = l.advance()
			if c != '\'' {
				raw.WriteByte('\\')
			}
		} else if c == '"' {
			// Single-quoted strings may contain bare double quotes.
			raw.WriteByte('\\')
		}
		raw.WriteByte(c)
	}
	s, err := strconv.Unquote(`"` + raw.String() + `"`)
	if err != nil {
		return "", errors.Wrap(err, "bad string literal")
	}
	return s, nil
}

type textParser struct {
	lex *lexer
}

func (p *textParser) errorf(t token, format string, args ...any) error {
	return &MalformedTopologyError{Line: t.line, Column: t.col, Msg: fmt.Sprintf(format, args...)}
}

func closerOf(opener string) string {
	if opener == "<" {
		return ">"
	}
	return "}"
}

// parseFields parses fields into m until closer ("" for end of input). Errors
// raised anywhere inside a layer carry the layer's name.
func (p *textParser) parseFields(m message, closer string) error {
	err := p.parseFieldList(m, closer)
	if l, isLayer := m.(*Layer); isLayer && err != nil {
		var malformed *MalformedTopologyError
		if errors.As(err, &malformed) && malformed.Layer == "" {
			malformed.Layer = l.Name
		}
	}
	return err
}

func (p *textParser) parseFieldList(m message, closer string) error {
	idx := indexFields(m)
	for {
		tok, err := p.lex.next()
		if err != nil {
			return err
		}
		switch {
		case tok.kind == tokEOF:
			if closer != "" {
				return p.errorf(tok, "unexpected end of input, expected %q", closer)
			}
			return nil
		case tok.kind == tokPunct && tok.text == closer:
			return nil
		case tok.kind == tokPunct && (tok.text == ";" || tok.text == ","):
			continue
		case tok.kind != tokWord:
			return p.errorf(tok, "expected field name, got %q", tok.text)
		}

		f, ok := idx.byName[tok.text]
		if !ok {
			if num, isNum := fieldNumber(tok); isNum {
				f, ok = idx.byNum[num]
				if !ok {
					raw, err := p.parseRawField(num)
					if err != nil {
						return err
					}
					m.unknown().addRaw(num, raw)
					continue
				}
			} else {
				fs, err := p.parseTextField(tok.text)
				if err != nil {
					return err
				}
				u := m.unknown()
				u.text = append(u.text, fs...)
				continue
			}
		}
		if sub, isMsg := f.val.(subMessage); isMsg {
			err = p.parseMessageValue(sub)
		} else {
			err = p.parseScalarValue(f)
		}
		if err != nil {
			return err
		}
	}
}

func (p *textParser) parseMessageValue(sub subMessage) error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	if tok.kind == tokPunct && tok.text == ":" {
		if tok, err = p.lex.next(); err != nil {
			return err
		}
	}
	if tok.kind == tokPunct && tok.text == "[" {
		return p.parseList(func() error { return p.parseMessageValue(sub) })
	}
	if tok.kind != tokPunct || (tok.text != "{" && tok.text != "<") {
		return p.errorf(tok, "expected '{' or '<', got %q", tok.text)
	}
	return p.parseFields(sub.alloc(), closerOf(tok.text))
}

func (p *textParser) parseScalarValue(f field) error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	if tok.kind != tokPunct || tok.text != ":" {
		return p.errorf(tok, "expected ':' after %q", f.name)
	}
	next, err := p.lex.next()
	if err != nil {
		return err
	}
	if next.kind == tokPunct && next.text == "[" {
		return p.parseList(func() error {
			v, err := p.lex.next()
			if err != nil {
				return err
			}
			return p.setScalar(f, v)
		})
	}
	return p.setScalar(f, next)
}

// parseList parses the elements of a "[...]" list after the opening bracket.
func (p *textParser) parseList(element func() error) error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	if tok.kind == tokPunct && tok.text == "]" {
		return nil
	}
	p.lex.unread(tok)
	for {
		if err := element(); err != nil {
			return err
		}
		tok, err := p.lex.next()
		if err != nil {
			return err
		}
		switch {
		case tok.kind == tokPunct && tok.text == "]":
			return nil
		case tok.kind == tokPunct && tok.text == ",":
			continue
		default:
			return p.errorf(tok, "expected ',' or ']' in list, got %q", tok.text)
		}
	}
}

// readStringValue concatenates adjacent string literals, as protobuf text does.
func (p *textParser) readStringValue(first token) (string, error) {
	s := first.text
	for {
		tok, err := p.lex.next()
		if err != nil {
			return "", err
		}
		if tok.kind != tokString {
			p.lex.unread(tok)
			return s, nil
		}
		s += tok.text
	}
}

//nolint:gocognit,gocyclo,cyclop,funlen // One case per supported field binding.
func (p *textParser) setScalar(f field, tok token) error {
	switch v := f.val.(type) {
	case *string, *[]string:
		if tok.kind != tokString {
			return p.errorf(tok, "field %q expects a string, got %q", f.name, tok.text)
		}
		s, err := p.readStringValue(tok)
		if err != nil {
			return err
		}
		if sp, single := v.(*string); single {
			*sp = s
		} else {
			ss := v.(*[]string)
			*ss = append(*ss, s)
		}
		return nil
	}

	if tok.kind != tokWord {
		return p.errorf(tok, "field %q expects a value, got %q", f.name, tok.text)
	}
	switch v := f.val.(type) {
	case *int32:
		x, err := parseInt(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = int32(x)
	case **int32:
		x, err := parseInt(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		i := int32(x)
		*v = &i
	case *[]int32:
		x, err := parseInt(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = append(*v, int32(x))
	case *uint32:
		x, err := parseUint(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = uint32(x)
	case *[]uint32:
		x, err := parseUint(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = append(*v, uint32(x))
	case *[]int64:
		x, err := parseInt(tok.text, 64)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = append(*v, x)
	case *float32:
		x, err := parseFloat(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = float32(x)
	case **float32:
		x, err := parseFloat(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		fv := float32(x)
		*v = &fv
	case *[]float32:
		x, err := parseFloat(tok.text, 32)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = append(*v, float32(x))
	case *[]float64:
		x, err := parseFloat(tok.text, 64)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = append(*v, x)
	case *bool:
		x, err := parseBool(tok.text)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = x
	case **bool:
		x, err := parseBool(tok.text)
		if err != nil {
			return p.errorf(tok, "field %q: %v", f.name, err)
		}
		*v = &x
	case enumRef:
		x, ok := v.lookup(tok.text)
		if !ok {
			return p.errorf(tok, "field %q: unknown enum value %q", f.name, tok.text)
		}
		v.set(x)
	default:
		return p.errorf(tok, "field %q cannot hold a scalar", f.name)
	}
	return nil
}

func parseInt(s string, bitSize int) (int64, error) {
	v, err := strconv.ParseInt(s, 0, bitSize)
	if err != nil {
		return 0, errors.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func parseUint(s string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bitSize)
	if err != nil {
		return 0, errors.Errorf("invalid unsigned integer %q", s)
	}
	return v, nil
}

func parseFloat(s string, bitSize int) (float64, error) {
	lower := strings.ToLower(strings.TrimLeft(s, "+-"))
	switch lower {
	case "inf", "infinity":
		if strings.HasPrefix(s, "-") {
			return math.Inf(-1), nil
		}
		return math.Inf(1), nil
	case "nan":
		return math.NaN(), nil
	}
	// Accept the C-style float suffix ("1.5f").
	trimmed := s
	if strings.HasSuffix(lower, "f") && !strings.HasPrefix(lower, "0x") {
		trimmed = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(trimmed, bitSize)
	if err != nil {
		return 0, errors.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "True", "t", "1":
		return true, nil
	case "false", "False", "f", "0":
		return false, nil
	}
	return false, errors.Errorf("invalid bool %q", s)
}
