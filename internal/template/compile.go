// Package template compiles prompt templates into a render plan and renders
// them against validated parameters.
//
// Grammar: literal text, {{param}} interpolation, {{#if param}}...{{else}}...{{/if}}
// conditionals and {{#each list}}...{{/each}} loops. Inside a loop the element
// is bound to {{this}} (fields via {{this.field}}) and the position to
// {{@index}} (0-based) and {{@number}} (1-based).
package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/validate"
)

type NodeKind string

const (
	KindLiteral     NodeKind = "literal"
	KindInterpolate NodeKind = "interpolate"
	KindConditional NodeKind = "conditional"
	KindLoop        NodeKind = "loop"
)

// Node is one element of the render plan. Conditional and loop nodes own
// their children; conditionals may also own an else branch.
type Node struct {
	Kind     NodeKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	Name     string   `json:"name,omitempty"`
	Children []Node   `json:"children,omitempty"`
	Else     []Node   `json:"else,omitempty"`
}

type Compiled struct {
	TemplateID   string   `json:"template_id"`
	ContentHash  string   `json:"content_hash"`
	Nodes        []Node   `json:"nodes"`
	Placeholders []string `json:"placeholders"`
}

// DecodeCompiled rehydrates a compiled template read from the shared cache tier.
func DecodeCompiled(data []byte) (any, error) {
	var c Compiled
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func isBuiltin(name string) bool {
	return name == "@index" || name == "@number" || name == "this" || strings.HasPrefix(name, "this.")
}

type frame struct {
	kind   tokenKind
	offset int
	node   Node
	inElse bool
}

type parser struct {
	params       map[string]models.ParameterDescriptor
	placeholders map[string]struct{}
	loopDepth    int
}

// Compile parses a template against its parameter schema.
func Compile(tpl *models.Template) (*Compiled, error) {
	params := make(map[string]models.ParameterDescriptor, len(tpl.ParameterSchema))
	for _, d := range tpl.ParameterSchema {
		if _, dup := params[d.Key]; dup {
			return nil, &errors.CompileError{Code: errors.CodeDuplicateParameter, Message: fmt.Sprintf("parameter %q declared twice", d.Key)}
		}
		if err := validate.CheckDefault(d); err != nil {
			return nil, &errors.CompileError{Code: errors.CodeInvalidDefault, Message: fmt.Sprintf("parameter %q: %v", d.Key, err)}
		}
		params[d.Key] = d
	}

	tokens, err := lex(tpl.Content)
	if err != nil {
		return nil, err
	}

	p := &parser{params: params, placeholders: make(map[string]struct{})}
	nodes, err := p.parse(tokens)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(p.placeholders))
	for name := range p.placeholders {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Compiled{
		TemplateID:   tpl.ID,
		ContentHash:  tpl.ContentHash(),
		Nodes:        nodes,
		Placeholders: names,
	}, nil
}

func (p *parser) parse(tokens []token) ([]Node, error) {
	root := &frame{}
	stack := []*frame{root}

	appendNode := func(n Node) {
		top := stack[len(stack)-1]
		if top.inElse {
			top.node.Else = append(top.node.Else, n)
		} else {
			top.node.Children = append(top.node.Children, n)
		}
	}

	for _, tok := range tokens {
		switch tok.kind {
		case tokText:
			appendNode(Node{Kind: KindLiteral, Text: tok.text})

		case tokVar:
			if err := p.resolve(tok.text, tok.offset); err != nil {
				return nil, err
			}
			appendNode(Node{Kind: KindInterpolate, Name: tok.text})

		case tokIf:
			if err := p.resolve(tok.text, tok.offset); err != nil {
				return nil, err
			}
			stack = append(stack, &frame{kind: tokIf, offset: tok.offset, node: Node{Kind: KindConditional, Name: tok.text}})

		case tokEach:
			if err := p.resolveLoop(tok.text, tok.offset); err != nil {
				return nil, err
			}
			p.loopDepth++
			stack = append(stack, &frame{kind: tokEach, offset: tok.offset, node: Node{Kind: KindLoop, Name: tok.text}})

		case tokElse:
			top := stack[len(stack)-1]
			if top.kind != tokIf || top.inElse {
				return nil, &errors.CompileError{Code: errors.CodeMalformedTag, Offset: tok.offset, Message: "{{else}} outside of an #if block"}
			}
			top.inElse = true

		case tokEndIf, tokEndEach:
			want := tokIf
			if tok.kind == tokEndEach {
				want = tokEach
			}
			top := stack[len(stack)-1]
			if len(stack) == 1 || top.kind != want {
				return nil, &errors.CompileError{Code: errors.CodeUnbalancedBlock, Offset: tok.offset, Message: "closing tag does not match an open block"}
			}
			stack = stack[:len(stack)-1]
			if want == tokEach {
				p.loopDepth--
			}
			appendNode(top.node)
		}
	}

	if len(stack) > 1 {
		open := stack[len(stack)-1]
		return nil, &errors.CompileError{Code: errors.CodeUnbalancedBlock, Offset: open.offset, Message: fmt.Sprintf("block #%s is never closed", blockName(open.kind))}
	}
	return root.node.Children, nil
}

func blockName(k tokenKind) string {
	if k == tokEach {
		return "each"
	}
	return "if"
}

func (p *parser) resolve(name string, offset int) error {
	if isBuiltin(name) {
		if p.loopDepth == 0 {
			return &errors.CompileError{Code: errors.CodeUnknownPlaceholder, Offset: offset, Message: fmt.Sprintf("%s is only available inside #each", name)}
		}
		return nil
	}
	if _, ok := p.params[name]; !ok {
		return &errors.CompileError{Code: errors.CodeUnknownPlaceholder, Offset: offset, Message: fmt.Sprintf("placeholder %q is not a declared parameter", name)}
	}
	p.placeholders[name] = struct{}{}
	return nil
}

func (p *parser) resolveLoop(name string, offset int) error {
	if err := p.resolve(name, offset); err != nil {
		return err
	}
	if name == "@index" || name == "@number" {
		return &errors.CompileError{Code: errors.CodeInvalidLoopTarget, Offset: offset, Message: fmt.Sprintf("cannot iterate over %s", name)}
	}
	if d, ok := p.params[name]; ok && d.Type != models.TypeArray {
		return &errors.CompileError{Code: errors.CodeInvalidLoopTarget, Offset: offset, Message: fmt.Sprintf("parameter %q is %s, #each needs an array", name, d.Type)}
	}
	return nil
}
