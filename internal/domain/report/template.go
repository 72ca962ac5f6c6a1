package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// identifierWhitelist lists the names a #{name} placeholder may expand to.
var identifierWhitelist = map[string]bool{
	"canonical_entity": true,
	"kind":             true,
	"id":               true,
	"data":             true,
	"facility_id":      true,
	"occurred_at":      true,
	"version":          true,
	"created_at":       true,
	"updated_at":       true,
	"deleted":          true,
	"deleted_at":       true,
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokValue
	tokIdent
)

type token struct {
	kind tokenKind
	text string // literal SQL for tokText, placeholder name otherwise
}

// Template is a parsed custom report query.
type Template struct {
	tokens []token
}

// ParseTemplate splits a query into SQL text and placeholders:
// :name and ${name} bind a value, #{name} expands a whitelisted identifier.
// Quoted literals, quoted identifiers, dollar-quoted strings, comments and
// ::type casts are passed through untouched.
func ParseTemplate(query string) (*Template, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("query", "query is required for custom reports")
	}
	var (
		t    Template
		text strings.Builder
		i    int
	)
	flush := func() {
		if text.Len() > 0 {
			t.tokens = append(t.tokens, token{kind: tokText, text: text.String()})
			text.Reset()
		}
	}
	n := len(query)
	for i < n {
		ch := query[i]
		switch {
		case ch == '\'' || ch == '"':
			end := closeQuote(query, i, ch)
			if end < 0 {
				return nil, invalid("query", fmt.Sprintf("unterminated quote starting at offset %d", i))
			}
			text.WriteString(query[i:end])
			i = end

		case ch == '-' && i+1 < n && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = n - i
			}
			text.WriteString(query[i : i+end])
			i += end

		case ch == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return nil, invalid("query", "unterminated block comment")
			}
			text.WriteString(query[i : i+2+end+2])
			i += 2 + end + 2

		case ch == ':' && i+1 < n && query[i+1] == ':':
			text.WriteString("::")
			i += 2

		case ch == ':' && i+1 < n && isNameStart(query[i+1]):
			name, end := scanName(query, i+1)
			flush()
			t.tokens = append(t.tokens, token{kind: tokValue, text: name})
			i = end

		case (ch == '$' || ch == '#') && i+1 < n && query[i+1] == '{':
			end := strings.IndexByte(query[i+2:], '}')
			if end < 0 {
				return nil, invalid("query", fmt.Sprintf("unterminated placeholder at offset %d", i))
			}
			name := strings.TrimSpace(query[i+2 : i+2+end])
			if !validName(name) {
				return nil, invalid("query", fmt.Sprintf("invalid placeholder name %q", name))
			}
			flush()
			kind := tokValue
			if ch == '#' {
				kind = tokIdent
			}
			t.tokens = append(t.tokens, token{kind: kind, text: name})
			i += 2 + end + 1

		case ch == '$' && i+1 < n && query[i+1] >= '0' && query[i+1] <= '9':
			return nil, invalid("query", "positional parameters are not allowed; use :name")

		case ch == '$':
			tag, ok := dollarTag(query, i)
			if !ok {
				text.WriteByte(ch)
				i++
				continue
			}
			end := strings.Index(query[i+len(tag):], tag)
			if end < 0 {
				return nil, invalid("query", "unterminated dollar-quoted string")
			}
			stop := i + len(tag) + end + len(tag)
			text.WriteString(query[i:stop])
			i = stop

		default:
			text.WriteByte(ch)
			i++
		}
	}
	flush()
	return &t, nil
}

// Placeholders returns each distinct placeholder name once, in order.
func (t *Template) Placeholders() (values, idents []string) {
	seen := map[string]bool{}
	for _, tok := range t.tokens {
		if tok.kind == tokText || seen[tok.text] {
			continue
		}
		seen[tok.text] = true
		if tok.kind == tokIdent {
			idents = append(idents, tok.text)
		} else {
			values = append(values, tok.text)
		}
	}
	return values, idents
}

// Compile renders the template against params. Values become positional
// bind parameters, the same name reusing its position.
func (t *Template) Compile(params map[string]interface{}) (string, []interface{}, error) {
	var (
		sql  strings.Builder
		args []interface{}
		pos  = map[string]int{}
	)
	for _, tok := range t.tokens {
		switch tok.kind {
		case tokText:
			sql.WriteString(tok.text)
		case tokIdent:
			ident, err := identifierParam(tok.text, params)
			if err != nil {
				return "", nil, err
			}
			sql.WriteString(pgx.Identifier{ident}.Sanitize())
		case tokValue:
			p, ok := pos[tok.text]
			if !ok {
				v, present := params[tok.text]
				if !present {
					return "", nil, invalid("parameters."+tok.text, "missing parameter")
				}
				arg, err := bindValue(tok.text, v)
				if err != nil {
					return "", nil, err
				}
				args = append(args, arg)
				p = len(args)
				pos[tok.text] = p
			}
			sql.WriteString("$" + strconv.Itoa(p))
		}
	}
	return sql.String(), args, nil
}

func identifierParam(name string, params map[string]interface{}) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", invalid("parameters."+name, "missing parameter")
	}
	s, ok := v.(string)
	if !ok || !identifierWhitelist[s] {
		return "", invalid("parameters."+name, "identifier is not allowed")
	}
	return s, nil
}

// bindValue converts a JSON-decoded value into a pgx argument.
func bindValue(name string, v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, string, bool, int, int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	case []interface{}:
		return bindList(name, x)
	case []string:
		return x, nil
	}
	return nil, invalid("parameters."+name, fmt.Sprintf("unsupported parameter type %T", v))
}

func bindList(name string, xs []interface{}) (interface{}, error) {
	if len(xs) == 0 {
		return []string{}, nil
	}
	switch xs[0].(type) {
	case string:
		out := make([]string, len(xs))
		for i, x := range xs {
			s, ok := x.(string)
			if !ok {
				return nil, invalid("parameters."+name, "list elements must share one type")
			}
			out[i] = s
		}
		return out, nil
	case float64:
		out := make([]float64, len(xs))
		for i, x := range xs {
			f, ok := x.(float64)
			if !ok {
				return nil, invalid("parameters."+name, "list elements must share one type")
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, invalid("parameters."+name, "lists may hold strings or numbers")
}

func closeQuote(s string, start int, q byte) int {
	for i := start + 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++ // doubled quote
			continue
		}
		return i + 1
	}
	return -1
}

// dollarTag returns the $tag$ opening at i, if any.
func dollarTag(s string, i int) (string, bool) {
	j := i + 1
	for j < len(s) && isNameChar(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' && (j == i+1 || isNameStart(s[i+1])) {
		return s[i : j+1], true
	}
	return "", false
}

func scanName(s string, i int) (string, int) {
	j := i
	for j < len(s) && isNameChar(s[j]) {
		j++
	}
	return s[i:j], j
}

func validName(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return false
		}
	}
	return true
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
