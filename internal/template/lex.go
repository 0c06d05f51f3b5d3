package template

import (
	"regexp"
	"strings"

	"github.com/HanTheDev/promptgen/internal/errors"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokVar
	tokIf
	tokEach
	tokElse
	tokEndIf
	tokEndEach
)

type token struct {
	kind   tokenKind
	text   string // literal text or placeholder path
	offset int
}

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

var pathPattern = regexp.MustCompile(`^(@index|@number|this(\.[A-Za-z_][A-Za-z0-9_]*)*|[A-Za-z_][A-Za-z0-9_]*)$`)

// lex splits template source into literal and tag tokens.
func lex(src string) ([]token, error) {
	var tokens []token
	pos := 0
	for pos < len(src) {
		start := strings.Index(src[pos:], openDelim)
		if start < 0 {
			tokens = append(tokens, token{kind: tokText, text: src[pos:], offset: pos})
			break
		}
		start += pos
		if start > pos {
			tokens = append(tokens, token{kind: tokText, text: src[pos:start], offset: pos})
		}

		end := strings.Index(src[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, &errors.CompileError{Code: errors.CodeMalformedTag, Offset: start, Message: "unterminated tag"}
		}
		end += start + len(openDelim)

		tok, err := classify(strings.TrimSpace(src[start+len(openDelim):end]), start)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		pos = end + len(closeDelim)
	}
	return tokens, nil
}

func classify(body string, offset int) (token, error) {
	malformed := func(msg string) (token, error) {
		return token{}, &errors.CompileError{Code: errors.CodeMalformedTag, Offset: offset, Message: msg}
	}

	switch {
	case body == "":
		return malformed("empty tag")
	case body == "else":
		return token{kind: tokElse, offset: offset}, nil
	case body == "/if":
		return token{kind: tokEndIf, offset: offset}, nil
	case body == "/each":
		return token{kind: tokEndEach, offset: offset}, nil
	case strings.HasPrefix(body, "/"):
		return malformed("unknown closing tag " + body)
	case strings.HasPrefix(body, "#"):
		keyword, arg, _ := strings.Cut(body[1:], " ")
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return malformed("block #" + keyword + " needs a parameter")
		}
		if !pathPattern.MatchString(arg) {
			return malformed("invalid parameter name " + arg)
		}
		switch keyword {
		case "if":
			return token{kind: tokIf, text: arg, offset: offset}, nil
		case "each":
			return token{kind: tokEach, text: arg, offset: offset}, nil
		}
		return malformed("unknown block #" + keyword)
	case !pathPattern.MatchString(body):
		return malformed("invalid placeholder " + body)
	}
	return token{kind: tokVar, text: body, offset: offset}, nil
}
