package expr

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Parse parses one expression into its AST.
func Parse(input string) (Node, error) {
	p := &parser{input: strings.TrimSpace(input)}
	return p.parse()
}

// parser is a tiny recursive-descent parser over the raw string. There are
// few enough token kinds that the lexer is folded into the scan helpers.
type parser struct {
	input string
	pos   int
}

func (p *parser) parse() (Node, error) {
	if p.input == "" {
		return nil, evalErr("", "empty expression")
	}

	switch p.input[0] {
	case 'm':
		p.pos = 1
		return p.parseRead()
	case 'M':
		p.pos = 1
		return p.parseWrite()
	default:
		return nil, evalErr(p.input, "expected m or M prefix")
	}
}

func (p *parser) parseRead() (Node, error) {
	addr, err := p.parseAddrExpr()
	if err != nil {
		return nil, err
	}
	if !p.consume(',') {
		return nil, evalErr(p.rest(), "expected ',' and a length after the address")
	}
	length, err := p.parseLength()
	if err != nil {
		return nil, err
	}
	if p.rest() != "" {
		return nil, evalErr(p.rest(), "trailing input after length")
	}
	return &Read{Addr: addr, Length: length}, nil
}

func (p *parser) parseWrite() (Node, error) {
	addr, err := p.parseAddrExpr()
	if err != nil {
		return nil, err
	}
	if !p.consume('=') {
		return nil, evalErr(p.rest(), "expected '=' and hex bytes after the address")
	}
	p.skipSpace()
	token := p.rest()
	if token == "" {
		return nil, evalErr("=", "no bytes to write")
	}
	data, err := hex.DecodeString(token)
	if err != nil {
		return nil, evalErr(token, "bad hex bytes")
	}
	if len(data) == 0 {
		return nil, evalErr(token, "no bytes to write")
	}
	return &Write{Addr: addr, Data: data}, nil
}

// parseAddrExpr parses a ${name} substitution or a numeric literal.
func (p *parser) parseAddrExpr() (AddrExpr, error) {
	p.skipSpace()

	if strings.HasPrefix(p.rest(), "${") {
		end := strings.IndexByte(p.rest(), '}')
		if end < 0 {
			return nil, evalErr(p.rest(), "unterminated ${...}")
		}
		token := p.rest()[:end+1]
		name := token[2 : len(token)-1]
		if name == "" {
			return nil, evalErr(token, "empty substitution name")
		}
		p.pos += end + 1
		return &Substitution{Name: name, text: token}, nil
	}

	token := p.scanUntil(",=")
	if token == "" {
		return nil, evalErr(p.rest(), "missing address")
	}
	value, ok := ParseNumber(token, 32)
	if !ok {
		return nil, evalErr(token, "bad address literal")
	}
	return &Literal{Value: uint32(value), text: token}, nil
}

func (p *parser) parseLength() (int, error) {
	p.skipSpace()
	token := strings.TrimSpace(p.rest())
	p.pos = len(p.input)
	if token == "" {
		return 0, evalErr(",", "missing length")
	}
	value, ok := ParseNumber(token, 24)
	if !ok {
		return 0, evalErr(token, "bad length")
	}
	if value == 0 {
		return 0, evalErr(token, "length must be positive")
	}
	return int(value), nil
}

// ParseNumber accepts decimal, $-prefixed hex, and 0x-prefixed hex. Shared
// with the register write path, which takes values in the same notations.
func ParseNumber(s string, bits int) (uint64, bool) {
	s = strings.TrimSpace(s)
	var value uint64
	var err error
	switch {
	case strings.HasPrefix(s, "$"):
		value, err = strconv.ParseUint(s[1:], 16, bits)
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		value, err = strconv.ParseUint(s[2:], 16, bits)
	default:
		value, err = strconv.ParseUint(s, 10, bits)
	}
	return value, err == nil
}

func (p *parser) rest() string {
	return p.input[p.pos:]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) consume(c byte) bool {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// scanUntil returns the trimmed text up to (not including) the first byte
// from stops, advancing the position to that byte.
func (p *parser) scanUntil(stops string) string {
	start := p.pos
	for p.pos < len(p.input) && !strings.ContainsRune(stops, rune(p.input[p.pos])) {
		p.pos++
	}
	return strings.TrimSpace(p.input[start:p.pos])
}
