package guest

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

// operators recognized by the lexer, longest first.
var operators = []string{"&&", "||", ">>", ";", "|", ">", "<"}

// lex splits command text into words and operators. Single quotes take
// everything literally; double quotes allow backslash escapes; an
// unquoted backslash escapes the next character. Newlines behave as
// command separators.
func lex(input string) ([]token, error) {
	var (
		tokens  []token
		word    strings.Builder
		inWord  bool
		i       = 0
		n       = len(input)
		endWord = func() {
			if inWord {
				tokens = append(tokens, token{kind: tokWord, text: word.String()})
				word.Reset()
				inWord = false
			}
		}
	)

	for i < n {
		ch := input[i]
		switch {
		case ch == '\'':
			end := strings.IndexByte(input[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote")
			}
			word.WriteString(input[i+1 : i+1+end])
			inWord = true
			i += end + 2
		case ch == '"':
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated double quote")
				}
				if input[i] == '"' {
					i++
					break
				}
				if input[i] == '\\' && i+1 < n {
					word.WriteByte(input[i+1])
					i += 2
					continue
				}
				word.WriteByte(input[i])
				i++
			}
			inWord = true
		case ch == '\\' && i+1 < n:
			word.WriteByte(input[i+1])
			inWord = true
			i += 2
		case ch == ' ' || ch == '\t':
			endWord()
			i++
		case ch == '\n':
			endWord()
			tokens = append(tokens, token{kind: tokOp, text: ";"})
			i++
		default:
			if op := matchOperator(input[i:]); op != "" {
				endWord()
				tokens = append(tokens, token{kind: tokOp, text: op})
				i += len(op)
				continue
			}
			word.WriteByte(ch)
			inWord = true
			i++
		}
	}
	endWord()
	return tokens, nil
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}
