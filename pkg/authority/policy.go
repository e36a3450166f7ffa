package authority

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// PolicyPackage is the Rego package a policy must declare.
const PolicyPackage = "upgrader.authz"

const allowQuery = "data." + PolicyPackage + ".allow"

// DefaultPolicy grants root and members of the wheel group.
const DefaultPolicy = `package upgrader.authz

import rego.v1

default allow := false

allow if input.subject.uid == 0

allow if {
	input.action == "org.openfroyo.upgrader.sysupgrade"
	not input.subject.remote
	"wheel" in input.subject.groups
}
`

type policyInput struct {
	Subject Subject   `json:"subject"`
	Action  string    `json:"action"`
	Time    time.Time `json:"time"`
}

type compiledPolicy struct {
	source string
	query  rego.PreparedEvalQuery
}

// PolicyAuthority evaluates a Rego policy for every check.
type PolicyAuthority struct {
	mu     sync.RWMutex
	policy *compiledPolicy
	path   string
	logger zerolog.Logger
}

// NewPolicyAuthority creates an authority from the policy file at path, or
// from DefaultPolicy when path is empty.
func NewPolicyAuthority(ctx context.Context, path string, logger zerolog.Logger) (*PolicyAuthority, error) {
	a := &PolicyAuthority{
		path:   path,
		logger: logger.With().Str("component", "authority").Logger(),
	}
	if path == "" {
		if err := a.Load(ctx, "default", DefaultPolicy); err != nil {
			return nil, fmt.Errorf("failed to load default policy: %w", err)
		}
		return a, nil
	}
	if err := a.reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Load compiles src and makes it the active policy.
func (a *PolicyAuthority) Load(ctx context.Context, name, src string) error {
	module, err := ast.ParseModule(name, src)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if got := module.Package.Path.String(); got != "data."+PolicyPackage {
		return fmt.Errorf("policy declares package %s, want %s", got, PolicyPackage)
	}

	query, err := rego.New(
		rego.Module(name, src),
		rego.Query(allowQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	a.mu.Lock()
	a.policy = &compiledPolicy{source: src, query: query}
	a.mu.Unlock()

	a.logger.Debug().Str("policy", name).Msg("Policy compiled successfully")
	return nil
}

func (a *PolicyAuthority) reload(ctx context.Context) error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	return a.Load(ctx, a.path, string(data))
}

// CheckAuthorization implements Authority.
func (a *PolicyAuthority) CheckAuthorization(ctx context.Context, subject Subject, action string) (Verdict, error) {
	a.mu.RLock()
	p := a.policy
	a.mu.RUnlock()
	if p == nil {
		return Denied, ErrUnavailable
	}

	input := policyInput{Subject: subject, Action: action, Time: time.Now().UTC()}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Denied, fmt.Errorf("%w: policy evaluation error: %v", ErrUnavailable, err)
	}

	verdict := Denied
	if rs.Allowed() {
		verdict = Granted
	}
	a.logger.Info().
		Str("identity", subject.Identity).
		Int("uid", subject.UID).
		Int("pid", subject.PID).
		Str("action", action).
		Str("verdict", verdict.String()).
		Msg("Authorization checked")
	return verdict, nil
}
