package router

import (
	"log"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// Gate is a CEL admission check run on every decoded raw message before
// filtering. Messages it rejects are not republished.
//
// Available variables:
//
//	site_id       string
//	site_type     string
//	topic         string
//	metric_count  int
//	metrics       map(string, double)
//	now_unix      int
//
// Example:
//
//	router:
//	  admit: 'site_type != "TEST" && metric_count > 0'
type Gate struct {
	expr string
	prg  cel.Program
}

// NewGate compiles expr. Any build problem is logged and the gate falls back
// to admitting everything.
func NewGate(expr string) *Gate {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = "true"
	}

	env, err := cel.NewEnv(
		cel.Variable("site_id", cel.StringType),
		cel.Variable("site_type", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("metric_count", cel.IntType),
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("now_unix", cel.IntType),
	)
	if err != nil {
		log.Printf("[router] cel env init error: %v; admitting everything", err)
		return &Gate{expr: "true"}
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		log.Printf("[router] cel compile error for admit %q: %v; admitting everything", expr, iss.Err())
		return &Gate{expr: "true"}
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		log.Printf("[router] admit %q yields %s, not bool; admitting everything", expr, ast.OutputType())
		return &Gate{expr: "true"}
	}
	prg, err := env.Program(ast)
	if err != nil {
		log.Printf("[router] cel program error: %v; admitting everything", err)
		return &Gate{expr: "true"}
	}
	return &Gate{expr: expr, prg: prg}
}

func (g *Gate) Expr() string { return g.expr }

// Admit evaluates the gate. Evaluation errors fail open.
func (g *Gate) Admit(topic string, s model.Snapshot, now time.Time) bool {
	if g == nil || g.prg == nil {
		return true
	}
	out, _, err := g.prg.Eval(map[string]any{
		"site_id":      s.SiteID,
		"site_type":    string(s.SiteType),
		"topic":        topic,
		"metric_count": int64(len(s.Metrics)),
		"metrics":      s.Metrics.Map(),
		"now_unix":     now.Unix(),
	})
	if err != nil {
		return true
	}
	if b, ok := out.Value().(bool); ok {
		return b
	}
	return true
}
