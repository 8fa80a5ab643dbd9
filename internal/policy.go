package internal

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const (
	ActionDrop    = "drop"
	ActionRedact  = "redact"
	ActionDegrade = "degrade"

	ReasonScope  = "scope"
	ReasonAge    = "age"
	ReasonBudget = "budget"
)

// Decision is the audit record for a dropped, redacted or degraded item.
type Decision struct {
	EventID string `json:"event_id,omitempty"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
}

type Scope struct {
	// Branches are branch name globs whose events are visible.
	Branches []string
	// Tags are tag name globs; when set the request must resolve through a
	// matching tag.
	Tags []string
}

type RedactRule struct {
	Name        string
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

// Policy is one version of a closed set of typed rules, applied in the order
// scope, age, redact, boost, budget.
type Policy struct {
	ID      string
	Version int
	Scope   Scope
	// MaxAge drops events at least this old. Nil disables the rule.
	MaxAge *time.Duration
	Redact []RedactRule
	// TokenBudget caps the pack size. Zero or less means no cap.
	TokenBudget int
	// PriorityBoost multiplies the score of events by type.
	PriorityBoost map[string]float64

	branchGlobs *RefGlobs
	tagGlobs    *RefGlobs
}

// Ref renders the exact version reference, id@N.
func (p *Policy) Ref() string {
	return fmt.Sprintf("%s@%d", p.ID, p.Version)
}

func (p *Policy) compile() error {
	if p.ID == "" || strings.Contains(p.ID, "@") {
		return goerr.Wrap(ErrInvalidArgument, "invalid policy id", goerr.V("policy_id", p.ID))
	}
	var err error
	if p.branchGlobs, err = ParseRefGlobs(p.Scope.Branches); err != nil {
		return goerr.Wrap(err, "branch scope", goerr.V("policy_id", p.ID))
	}
	if p.tagGlobs, err = ParseRefGlobs(p.Scope.Tags); err != nil {
		return goerr.Wrap(err, "tag scope", goerr.V("policy_id", p.ID))
	}
	if p.MaxAge != nil && *p.MaxAge < 0 {
		return goerr.Wrap(ErrInvalidArgument, "negative max_age", goerr.V("policy_id", p.ID))
	}
	for i := range p.Redact {
		r := &p.Redact[i]
		if r.Name == "" {
			r.Name = strconv.Itoa(i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return goerr.Wrap(ErrInvalidArgument, "invalid redact pattern",
				goerr.V("policy_id", p.ID), goerr.V("rule", r.Name), goerr.V("error", err.Error()))
		}
		r.re = re
	}
	for t, m := range p.PriorityBoost {
		if m < 0 {
			return goerr.Wrap(ErrInvalidArgument, "negative priority boost", goerr.V("policy_id", p.ID), goerr.V("type", t))
		}
	}
	return nil
}

// PolicyRegistry holds every version of every policy. "id" resolves to the
// latest version and "id@N" to version N.
type PolicyRegistry struct {
	mu       sync.RWMutex
	versions map[string][]*Policy
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{versions: make(map[string][]*Policy)}
}

// Register adds p as the next version of p.ID. A non-zero p.Version must be
// exactly that next version.
func (r *PolicyRegistry) Register(p Policy) (*Policy, error) {
	p.Redact = slices.Clone(p.Redact)
	p.PriorityBoost = maps.Clone(p.PriorityBoost)
	if p.MaxAge != nil {
		d := *p.MaxAge
		p.MaxAge = &d
	}
	if err := p.compile(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := len(r.versions[p.ID]) + 1
	if p.Version == 0 {
		p.Version = next
	}
	if p.Version != next {
		return nil, goerr.Wrap(ErrInvalidArgument, "policy version out of sequence",
			goerr.V("policy_id", p.ID), goerr.V("version", p.Version), goerr.V("next", next))
	}

	stored := p
	r.versions[p.ID] = append(r.versions[p.ID], &stored)
	return &stored, nil
}

func (r *PolicyRegistry) Get(ref string) (*Policy, error) {
	id, version := ref, 0
	if at := strings.LastIndex(ref, "@"); at >= 0 {
		n, err := strconv.Atoi(ref[at+1:])
		if err != nil || n <= 0 {
			return nil, goerr.Wrap(ErrPolicyNotFound, "bad policy version", goerr.V("policy_id", ref))
		}
		id, version = ref[:at], n
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	vs := r.versions[id]
	switch {
	case len(vs) == 0:
		return nil, goerr.Wrap(ErrPolicyNotFound, "unknown policy", goerr.V("policy_id", ref))
	case version == 0:
		return vs[len(vs)-1], nil
	case version > len(vs):
		return nil, goerr.Wrap(ErrPolicyNotFound, "unknown policy version", goerr.V("policy_id", ref))
	default:
		return vs[version-1], nil
	}
}

// List returns the latest version of every policy, sorted by id.
func (r *PolicyRegistry) List() []*Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Policy, 0, len(r.versions))
	for _, vs := range r.versions {
		out = append(out, vs[len(vs)-1])
	}
	slices.SortFunc(out, func(a, b *Policy) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// RequestContext is what a policy may look at besides the candidates.
type RequestContext struct {
	Now time.Time
	// TokenBudget is the caller's budget, before the policy cap.
	TokenBudget int
	Ref         *ResolvedRef
	// BranchNames maps branch ids to names for scope matching.
	BranchNames map[string]string
}

// Scored is a candidate after redaction and boosting.
type Scored struct {
	Candidate
	Content  string
	Redacted bool
	Tokens   int
}

type Evaluation struct {
	Policy    *Policy
	Kept      []Scored
	Decisions []Decision
	// Budget is the effective token budget.
	Budget      int
	TotalTokens int
	Truncated   bool
}

type PolicyEngine struct {
	registry *PolicyRegistry
}

func NewPolicyEngine(registry *PolicyRegistry) *PolicyEngine {
	return &PolicyEngine{registry: registry}
}

func (e *PolicyEngine) Registry() *PolicyRegistry {
	return e.registry
}

// Evaluate runs candidates through the policy pipeline. It is pure: the same
// inputs give the same kept set and decision trail.
func (e *PolicyEngine) Evaluate(ctx context.Context, cands []Candidate, policyID string, rc RequestContext) (*Evaluation, error) {
	p, err := e.registry.Get(policyID)
	if err != nil {
		return nil, err
	}
	if rc.TokenBudget < 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "negative token budget", goerr.V("token_budget", rc.TokenBudget))
	}

	ev := &Evaluation{Policy: p, Budget: rc.TokenBudget}
	if p.TokenBudget > 0 {
		ev.Budget = min(ev.Budget, p.TokenBudget)
	}

	// scope
	var scoped []Candidate
	tagOK := p.scopeTag(rc.Ref)
	for _, c := range cands {
		if tagOK && p.scopeBranch(rc.BranchNames[c.Event.BranchID], c.Event.BranchID) {
			scoped = append(scoped, c)
			continue
		}
		ev.Decisions = append(ev.Decisions, Decision{EventID: c.Event.ID, Action: ActionDrop, Reason: ReasonScope})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// age
	var fresh []Candidate
	for _, c := range scoped {
		if p.MaxAge != nil && rc.Now.Sub(c.Event.Timestamp) >= *p.MaxAge {
			ev.Decisions = append(ev.Decisions, Decision{EventID: c.Event.ID, Action: ActionDrop, Reason: ReasonAge})
			continue
		}
		fresh = append(fresh, c)
	}

	// redact
	scored := make([]Scored, 0, len(fresh))
	for _, c := range fresh {
		s := Scored{Candidate: c, Content: c.Event.Payload}
		for _, rule := range p.Redact {
			out := rule.re.ReplaceAllString(s.Content, rule.Replacement)
			if out != s.Content {
				s.Content = out
				s.Redacted = true
				ev.Decisions = append(ev.Decisions, Decision{EventID: c.Event.ID, Action: ActionRedact, Reason: "redact:" + rule.Name})
			}
		}
		s.Tokens = CountTokens(s.Content)
		scored = append(scored, s)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// boost
	for i := range scored {
		if m, ok := p.PriorityBoost[scored[i].Event.Type]; ok {
			scored[i].Score *= m
		}
	}
	slices.SortStableFunc(scored, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Event.ID, b.Event.ID)
	})

	// budget
	kept, dropped, total := packGreedy(scored, ev.Budget)
	for _, s := range dropped {
		ev.Decisions = append(ev.Decisions, Decision{EventID: s.Event.ID, Action: ActionDrop, Reason: ReasonBudget})
	}
	ev.Kept = kept
	ev.TotalTokens = total
	ev.Truncated = len(dropped) > 0
	return ev, nil
}

func (p *Policy) scopeTag(ref *ResolvedRef) bool {
	if p.tagGlobs.Empty() {
		return true
	}
	if ref == nil || ref.Kind != RefTag {
		return false
	}
	return p.tagGlobs.Match(ref.Name)
}

func (p *Policy) scopeBranch(name, id string) bool {
	if p.branchGlobs.Empty() {
		return true
	}
	return p.branchGlobs.Match(name) || p.branchGlobs.Match(id)
}
