package locator

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokRegex
	tokNumber
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string // identifier, decoded string, regex source, number or punctuation
	flags string // regex flags
	pos   int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return strconv.Quote(t.text)
	case tokRegex:
		return "/" + t.text + "/" + t.flags
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// lexer tokenizes the JavaScript-like call chains used by Playwright hints. A '/' starts a regex
// literal when the previous token cannot end an expression.
type lexer struct {
	src  string
	pos  int
	prev token
}

func newLexer(src string) *lexer {
	return &lexer{src: src, prev: token{kind: tokPunct, text: "("}}
}

func (l *lexer) next() (token, error) {
	tok, err := l.scan()
	if err == nil {
		l.prev = tok
	}
	return tok, err
}

func (l *lexer) scan() (token, error) {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += size
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '\'' || c == '"' || c == '`':
		s, err := l.scanString(c)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, text: s, pos: start}, nil
	case c == '/' && l.regexAllowed():
		src, flags, err := l.scanRegex()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokRegex, text: src, flags: flags, pos: start}, nil
	case c == '-' || c >= '0' && c <= '9':
		l.pos++
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	case strings.ContainsRune(".(){},:", rune(c)):
		l.pos++
		return token{kind: tokPunct, text: string(c), pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at offset %d", c, start)
}

func (l *lexer) regexAllowed() bool {
	if l.prev.kind != tokPunct {
		return false
	}
	switch l.prev.text {
	case "(", ",", ":", "{":
		return true
	}
	return false
}

func (l *lexer) scanString(quote byte) (string, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			return b.String(), nil
		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return "", fmt.Errorf("unterminated escape in string at offset %d", start)
			}
			esc := l.src[l.pos+1]
			l.pos += 2
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'u':
				if l.pos+4 > len(l.src) {
					return "", fmt.Errorf("short unicode escape at offset %d", l.pos)
				}
				n, err := strconv.ParseUint(l.src[l.pos:l.pos+4], 16, 32)
				if err != nil {
					return "", fmt.Errorf("bad unicode escape at offset %d: %w", l.pos, err)
				}
				b.WriteRune(rune(n))
				l.pos += 4
			default:
				b.WriteByte(esc)
			}
		case c == '\n' && quote != '`':
			return "", fmt.Errorf("newline in string literal at offset %d", l.pos)
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", fmt.Errorf("unterminated string starting at offset %d", start)
}

// scanRegex reads a /source/flags literal. An escaped delimiter is stored unescaped so the
// source is independent of the JavaScript delimiter.
func (l *lexer) scanRegex() (string, string, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	inClass := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return "", "", fmt.Errorf("unterminated regex at offset %d", start)
			}
			if l.src[l.pos+1] == '/' {
				b.WriteByte('/')
			} else {
				b.WriteString(l.src[l.pos : l.pos+2])
			}
			l.pos += 2
			continue
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			l.pos++
			if b.Len() == 0 {
				return "", "", fmt.Errorf("empty regex at offset %d", start)
			}
			flagStart := l.pos
			for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
				l.pos++
			}
			return b.String(), l.src[flagStart:l.pos], nil
		case c == '\n':
			return "", "", fmt.Errorf("newline in regex at offset %d", l.pos)
		}
		b.WriteByte(c)
		l.pos++
	}
	return "", "", fmt.Errorf("unterminated regex at offset %d", start)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
