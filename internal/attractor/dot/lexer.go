package dot

import (
	"fmt"
	"strings"
)

// tokenType enumerates the four token classes the parser needs to
// distinguish. Keywords (digraph, subgraph, node, edge, graph) are not
// their own token type — they surface as tokenIdent and the parser matches
// their literal text, exactly as DOT treats them as ordinary identifiers
// that happen to be reserved in certain positions.
type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenString
	tokenSymbol
)

type token struct {
	typ tokenType
	lit string
	pos int
}

// lexer turns comment-stripped DOT source into a stream of tokens.
type lexer struct {
	src []byte
	i   int
}

func newLexer(src []byte) *lexer {
	return &lexer{src: src}
}

// multiCharSymbols lists every multi-character symbol the grammar needs, ordered
// longest-first so "->" is matched before a lone "-" would ever be
// considered (DOT has no standalone '-' operator in this subset).
var multiCharSymbols = []string{"->"}

const singleCharSymbols = "{}[]=;,.-:/"

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.eof() {
		return token{typ: tokenEOF, pos: l.i}, nil
	}

	start := l.i
	c := l.src[l.i]

	if c == '"' {
		return l.lexString()
	}

	for _, sym := range multiCharSymbols {
		if strings.HasPrefix(string(l.src[l.i:]), sym) {
			l.i += len(sym)
			return token{typ: tokenSymbol, lit: sym, pos: start}, nil
		}
	}
	if strings.IndexByte(singleCharSymbols, c) >= 0 {
		l.i++
		return token{typ: tokenSymbol, lit: string(c), pos: start}, nil
	}

	if isIdentByte(c, true) {
		return l.lexIdent()
	}

	return token{}, fmt.Errorf("dot lex: unexpected character %q at %d", c, l.i)
}

func (l *lexer) lexIdent() (token, error) {
	start := l.i
	for !l.eof() && isIdentByte(l.src[l.i], false) {
		l.i++
	}
	return token{typ: tokenIdent, lit: string(l.src[start:l.i]), pos: start}, nil
}

func (l *lexer) lexString() (token, error) {
	start := l.i
	l.i++ // consume opening quote
	var b strings.Builder
	for {
		if l.eof() {
			return token{}, fmt.Errorf("dot lex: unterminated string starting at %d", start)
		}
		c := l.src[l.i]
		if c == '"' {
			l.i++
			return token{typ: tokenString, lit: b.String(), pos: start}, nil
		}
		if c == '\\' {
			l.i++
			if l.eof() {
				return token{}, fmt.Errorf("dot lex: unterminated escape at %d", l.i)
			}
			switch l.src[l.i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(l.src[l.i])
			}
			l.i++
			continue
		}
		b.WriteByte(c)
		l.i++
	}
}

func (l *lexer) skipSpace() {
	for !l.eof() {
		switch l.src[l.i] {
		case ' ', '\t', '\r', '\n':
			l.i++
		default:
			return
		}
	}
}

func (l *lexer) eof() bool { return l.i >= len(l.src) }

// isIdentByte reports whether c can start or continue a bare
// identifier/value token: letters, digits, and underscore. Punctuation that
// can appear inside an unquoted value — '-', '.', ':', '/' — is lexed as
// its own symbol token instead; the parser's unquoted-value grammar
// (parseAttrValue) stitches adjacent ident/symbol tokens back together.
func isIdentByte(c byte, first bool) bool {
	_ = first
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return true
	default:
		return false
	}
}

// stripComments removes // line comments and /* */ block comments from DOT
// source, preserving quoted string contents (including escaped quotes) so a
// comment marker inside a string literal is never treated as a comment.
// Newlines are preserved so byte offsets used in error messages stay
// meaningful relative to the original source.
func stripComments(src []byte) ([]byte, error) {
	var out strings.Builder
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == '"':
			start := i
			out.WriteByte(c)
			i++
			for i < n && src[i] != '"' {
				if src[i] == '\\' && i+1 < n {
					out.WriteByte(src[i])
					out.WriteByte(src[i+1])
					i += 2
					continue
				}
				out.WriteByte(src[i])
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("dot parse: unterminated string starting at %d", start)
			}
			out.WriteByte(src[i]) // closing quote
			i++
		case c == '/' && i+1 < n && src[i+1] == '/':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			i += 2
			for i+1 < n && !(src[i] == '*' && src[i+1] == '/') {
				if src[i] == '\n' {
					out.WriteByte('\n')
				}
				i++
			}
			i += 2
		default:
			out.WriteByte(c)
			i++
		}
	}
	return []byte(out.String()), nil
}
