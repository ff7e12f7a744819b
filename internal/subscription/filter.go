package subscription

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/chorus/internal/event"
)

// Filter is a compiled CEL predicate over events. The zero Filter matches
// everything.
//
// Variables: kind, author, origin, position, content, member, action, voice.
// Example: `kind == "message" && author != "bot"`.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// CompileFilter compiles expr. An empty expression matches every event.
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("position", cel.IntType),
		cel.Variable("content", cel.StringType),
		cel.Variable("member", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("voice", cel.BoolType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return Filter{}, errNotBool
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Match evaluates the filter. Evaluation errors count as no match.
func (f Filter) Match(ev event.Event) bool {
	if !f.enabled {
		return true
	}
	vars := map[string]any{
		"kind":     string(ev.Payload.Kind()),
		"author":   ev.Author,
		"origin":   ev.OriginServer,
		"position": int64(ev.LocalPosition),
		"content":  "",
		"member":   "",
		"action":   "",
		"voice":    false,
	}
	switch p := ev.Payload.(type) {
	case event.Message:
		vars["content"] = p.Content
	case event.MembershipChange:
		vars["member"] = p.Member
		vars["action"] = string(p.Action)
		vars["voice"] = p.Voice
	case event.Reaction:
		vars["content"] = p.Emoji
	case event.Redaction:
		vars["content"] = p.Reason
	}
	out, _, err := f.prog.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
