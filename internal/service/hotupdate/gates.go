package hotupdate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/semver"
)

const (
	gateSecurity      = "security"
	gatePerformance   = "performance"
	gateFunctional    = "functional"
	gateCompatibility = "compatibility"

	securityPenalty       = 20
	complexityFailAbove   = 100
	complexityWarnAbove   = 70
	maxReportedSyntaxErrs = 10
)

type dangerPattern struct {
	re    *regexp.Regexp
	issue string
}

var dangerPatterns = []dangerPattern{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code evaluation (eval)"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "dynamic code evaluation (Function constructor)"},
	{regexp.MustCompile(`\bset(Timeout|Interval)\s*\(\s*['"]`), "string evaluated as timer callback"},
	{regexp.MustCompile(`\bprocess\.env\b`), "environment variable access"},
	{regexp.MustCompile(`\bprocess\.(exit|kill|abort)\s*\(`), "process control"},
	{regexp.MustCompile(`\bchild_process\b`), "subprocess module"},
	// Bare calls only; member calls such as regex.exec( are not subprocesses.
	{regexp.MustCompile(`(?:^|[^.\w$])(exec|execSync|spawn|spawnSync|execFile|fork)\s*\(`), "subprocess spawn"},
	{regexp.MustCompile(`\brequire\s*\(\s*['"](fs|net|os)['"]\s*\)`), "host resource module"},
	{regexp.MustCompile(`\b(sudo|setuid|setgid|chmod|chown)\b`), "permission escalation"},
}

var (
	loopPattern        = regexp.MustCompile(`\b(for|while|do)\b|\.(forEach|map|reduce|filter)\s*\(`)
	conditionalPattern = regexp.MustCompile(`\b(if|else\s+if|switch|case)\b|\?\?|&&|\|\|`)
	callPattern        = regexp.MustCompile(`\b([A-Za-z_$][\w$]*)\s*\(`)
)

var callKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"function": true, "return": true, "typeof": true, "do": true,
}

// typeHints are content markers a patch of the given type is expected to carry.
var typeHints = map[domain.HotUpdateType]struct {
	re      *regexp.Regexp
	warning string
}{
	domain.HotUpdateSecurity:    {regexp.MustCompile(`(?i)sanitiz|validat|escape`), "security patch has no input validation or sanitization"},
	domain.HotUpdatePerformance: {regexp.MustCompile(`(?i)cache|memo|batch`), "performance patch has no caching or batching"},
	domain.HotUpdateConfig:      {regexp.MustCompile(`(?i)config|setting`), "config patch does not reference configuration"},
}

func runGates(ctx context.Context, u *domain.HotUpdate) []domain.TestResult {
	return []domain.TestResult{
		securityGate(u.Script),
		performanceGate(u.Script),
		functionalGate(ctx, u),
		compatibilityGate(u),
	}
}

func gatesPassed(results []domain.TestResult) bool {
	for _, r := range results {
		if r.Status == domain.CheckFail {
			return false
		}
	}
	return true
}

// securityGate fails on any dangerous pattern; every occurrence costs 20 points.
func securityGate(script string) domain.TestResult {
	res := domain.TestResult{Name: gateSecurity, Status: domain.CheckPass, Score: 100}
	matches := 0
	for _, p := range dangerPatterns {
		n := len(p.re.FindAllStringIndex(script, -1))
		if n == 0 {
			continue
		}
		matches += n
		res.Issues = append(res.Issues, fmt.Sprintf("%s (%d occurrence(s))", p.issue, n))
	}
	if matches > 0 {
		res.Status = domain.CheckFail
		res.Score = max(0, 100-securityPenalty*matches)
	}
	res.Details = map[string]any{"matches": matches}
	return res
}

// complexity is loops*3 + conditionals*2 + calls + lines/10.
func complexity(script string) (score, loops, conditionals, calls, lines int) {
	loops = len(loopPattern.FindAllStringIndex(script, -1))
	conditionals = len(conditionalPattern.FindAllStringIndex(script, -1))
	for _, m := range callPattern.FindAllStringSubmatch(script, -1) {
		if !callKeywords[m[1]] {
			calls++
		}
	}
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	score = loops*3 + conditionals*2 + calls + lines/10
	return score, loops, conditionals, calls, lines
}

func performanceGate(script string) domain.TestResult {
	score, loops, conditionals, calls, lines := complexity(script)
	res := domain.TestResult{
		Name:   gatePerformance,
		Status: domain.CheckPass,
		Score:  max(0, 100-score),
		Details: map[string]any{
			"complexity":   score,
			"loops":        loops,
			"conditionals": conditionals,
			"calls":        calls,
			"lines":        lines,
		},
	}
	switch {
	case score > complexityFailAbove:
		res.Status = domain.CheckFail
		res.Issues = append(res.Issues, fmt.Sprintf("complexity %d exceeds %d", score, complexityFailAbove))
	case score > complexityWarnAbove:
		res.Status = domain.CheckWarning
		res.Warnings = append(res.Warnings, fmt.Sprintf("complexity %d above %d", score, complexityWarnAbove))
	}
	return res
}

// functionalGate parses the script as JavaScript; syntax errors fail the gate
// and missing type-specific markers only warn.
func functionalGate(ctx context.Context, u *domain.HotUpdate) domain.TestResult {
	res := domain.TestResult{Name: gateFunctional, Status: domain.CheckPass, Score: 100}

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())
	content := []byte(u.Script)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		res.Status = domain.CheckFail
		res.Score = 0
		res.Issues = append(res.Issues, "parse failed: "+err.Error())
		return res
	}
	defer tree.Close()

	var syntaxErrs []string
	collectSyntaxErrors(tree.RootNode(), &syntaxErrs, 0)
	if len(syntaxErrs) > 0 {
		res.Status = domain.CheckFail
		res.Score = 0
		res.Issues = append(res.Issues, syntaxErrs...)
	}

	if hint, ok := typeHints[u.Type]; ok && !hint.re.MatchString(u.Script) {
		res.Warnings = append(res.Warnings, hint.warning)
		if res.Status == domain.CheckPass {
			res.Status = domain.CheckWarning
			res.Score = 90
		}
	}
	res.Details = map[string]any{"syntax_errors": len(syntaxErrs)}
	return res
}

func collectSyntaxErrors(node *sitter.Node, out *[]string, depth int) {
	if node == nil || depth > 1000 || len(*out) >= maxReportedSyntaxErrs {
		return
	}
	if node.IsError() || node.IsMissing() {
		p := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = "missing " + node.Type()
		}
		*out = append(*out, fmt.Sprintf("line %d col %d: %s", p.Row+1, p.Column, msg))
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntaxErrors(node.Child(i), out, depth+1)
	}
}

func compatibilityGate(u *domain.HotUpdate) domain.TestResult {
	res := domain.TestResult{Name: gateCompatibility, Status: domain.CheckPass, Score: 100}
	for _, v := range u.TargetVersions {
		if !semver.Valid(v) {
			res.Issues = append(res.Issues, fmt.Sprintf("target version %q is not a semantic version", v))
		}
	}
	if !semver.Valid(u.PatchVersion) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("patch version %q is not a semantic version", u.PatchVersion))
	}
	if u.IsCritical() && u.RolloutStrategy != domain.RolloutImmediate {
		res.Warnings = append(res.Warnings, fmt.Sprintf("critical update uses %s rollout; immediate is recommended", u.RolloutStrategy))
	}
	switch {
	case len(res.Issues) > 0:
		res.Status = domain.CheckFail
		res.Score = max(0, 100-25*len(res.Issues))
	case len(res.Warnings) > 0:
		res.Status = domain.CheckWarning
		res.Score = 100 - 10*len(res.Warnings)
	}
	return res
}
