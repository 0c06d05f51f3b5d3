package template

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
)

type RenderOptions struct {
	// Escape HTML-escapes interpolated values. Literal template text is
	// never escaped.
	Escape bool
}

type Output struct {
	Text         string
	RenderTimeMs float64
}

type scope struct {
	parent *scope
	this   any
	index  int
}

// Render executes a compiled plan. It performs no I/O and cannot fail: a
// value of an unexpected shape renders as empty output.
func Render(c *Compiled, params map[string]any, opts RenderOptions) Output {
	start := time.Now()
	var b strings.Builder
	r := renderer{params: params, opts: opts, out: &b}
	r.nodes(c.Nodes, nil)
	return Output{
		Text:         b.String(),
		RenderTimeMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

type renderer struct {
	params map[string]any
	opts   RenderOptions
	out    *strings.Builder
}

func (r *renderer) nodes(nodes []Node, s *scope) {
	for i := range nodes {
		r.node(&nodes[i], s)
	}
}

func (r *renderer) node(n *Node, s *scope) {
	switch n.Kind {
	case KindLiteral:
		r.out.WriteString(n.Text)
	case KindInterpolate:
		v := stringify(r.lookup(n.Name, s))
		if r.opts.Escape {
			v = html.EscapeString(v)
		}
		r.out.WriteString(v)
	case KindConditional:
		if truthy(r.lookup(n.Name, s)) {
			r.nodes(n.Children, s)
		} else {
			r.nodes(n.Else, s)
		}
	case KindLoop:
		items, ok := r.lookup(n.Name, s).([]any)
		if !ok {
			return
		}
		for i, item := range items {
			r.nodes(n.Children, &scope{parent: s, this: item, index: i})
		}
	}
}

func (r *renderer) lookup(name string, s *scope) any {
	switch {
	case name == "@index":
		if s != nil {
			return int64(s.index)
		}
		return nil
	case name == "@number":
		if s != nil {
			return int64(s.index + 1)
		}
		return nil
	case name == "this":
		if s != nil {
			return s.this
		}
		return nil
	case strings.HasPrefix(name, "this."):
		if s == nil {
			return nil
		}
		v := s.this
		for _, field := range strings.Split(name[len("this."):], ".") {
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[field]
		}
		return v
	}
	return r.params[name]
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return strings.TrimSpace(val) != ""
	case float64:
		return val != 0
	case int64:
		return val != 0
	case int:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return fmt.Sprint(v)
}
