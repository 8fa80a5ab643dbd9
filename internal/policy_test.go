package internal

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(id, branch, typ, payload string, ts time.Time, score float64) Candidate {
	return Candidate{
		Event: &Event{ID: id, BranchID: branch, Type: typ, Payload: payload, Timestamp: ts},
		Score: score,
	}
}

func newTestPolicies(t *testing.T, ps ...Policy) *PolicyEngine {
	t.Helper()
	reg := NewPolicyRegistry()
	for _, p := range ps {
		_, err := reg.Register(p)
		require.NoError(t, err)
	}
	return NewPolicyEngine(reg)
}

func TestPolicyMaxAgeZeroDropsEverything(t *testing.T) {
	zero := time.Duration(0)
	e := newTestPolicies(t, Policy{ID: "strict", MaxAge: &zero})

	var cands []Candidate
	for i := range 4 {
		cands = append(cands, cand(fmt.Sprintf("e%d", i), "b", "note", "x", testEpoch, 1))
	}
	ev, err := e.Evaluate(context.Background(), cands, "strict", RequestContext{Now: testEpoch, TokenBudget: 100})
	require.NoError(t, err)

	assert.Empty(t, ev.Kept)
	require.Len(t, ev.Decisions, 4)
	for _, d := range ev.Decisions {
		assert.Equal(t, ReasonAge, d.Reason)
		assert.Equal(t, ActionDrop, d.Action)
	}
}

func TestPolicyAgeKeepsFreshEvents(t *testing.T) {
	day := 24 * time.Hour
	e := newTestPolicies(t, Policy{ID: "week", MaxAge: &day})

	now := testEpoch.Add(48 * time.Hour)
	cands := []Candidate{
		cand("old", "b", "note", "old", testEpoch, 1),
		cand("new", "b", "note", "new", now.Add(-time.Hour), 1),
	}
	ev, err := e.Evaluate(context.Background(), cands, "week", RequestContext{Now: now, TokenBudget: 100})
	require.NoError(t, err)
	require.Len(t, ev.Kept, 1)
	assert.Equal(t, "new", ev.Kept[0].Event.ID)
}

func TestPolicyRedaction(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "pii", Redact: []RedactRule{
		{Name: "email", Pattern: `[\w.]+@[\w.]+`, Replacement: "[email]"},
	}})

	cands := []Candidate{
		cand("a", "b", "note", "mail bob@example.com today", testEpoch, 2),
		cand("b", "b", "note", "nothing to hide", testEpoch, 1),
	}
	ev, err := e.Evaluate(context.Background(), cands, "pii", RequestContext{Now: testEpoch, TokenBudget: 100})
	require.NoError(t, err)
	require.Len(t, ev.Kept, 2)

	assert.Equal(t, "mail [email] today", ev.Kept[0].Content)
	assert.True(t, ev.Kept[0].Redacted)
	assert.False(t, ev.Kept[1].Redacted)
	assert.Equal(t, []Decision{{EventID: "a", Action: ActionRedact, Reason: "redact:email"}}, ev.Decisions)

	// The event itself is untouched.
	assert.Contains(t, cands[0].Event.Payload, "bob@example.com")
}

func TestPolicyBranchScope(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "prod", Scope: Scope{Branches: []string{"release/*"}}})

	cands := []Candidate{
		cand("a", "id-main", "note", "a", testEpoch, 1),
		cand("b", "id-rel", "note", "b", testEpoch, 1),
	}
	rc := RequestContext{
		Now:         testEpoch,
		TokenBudget: 100,
		BranchNames: map[string]string{"id-main": "main", "id-rel": "release/1.0"},
	}
	ev, err := e.Evaluate(context.Background(), cands, "prod", rc)
	require.NoError(t, err)
	require.Len(t, ev.Kept, 1)
	assert.Equal(t, "b", ev.Kept[0].Event.ID)
	assert.Equal(t, []Decision{{EventID: "a", Action: ActionDrop, Reason: ReasonScope}}, ev.Decisions)
}

func TestPolicyTagScope(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "frozen", Scope: Scope{Tags: []string{"v*"}}})
	cands := []Candidate{cand("a", "b", "note", "a", testEpoch, 1)}

	ev, err := e.Evaluate(context.Background(), cands, "frozen", RequestContext{
		Now: testEpoch, TokenBudget: 100, Ref: &ResolvedRef{Kind: RefBranch, Name: "main"},
	})
	require.NoError(t, err)
	assert.Empty(t, ev.Kept)

	ev, err = e.Evaluate(context.Background(), cands, "frozen", RequestContext{
		Now: testEpoch, TokenBudget: 100, Ref: &ResolvedRef{Kind: RefTag, Name: "v1"},
	})
	require.NoError(t, err)
	assert.Len(t, ev.Kept, 1)
}

func TestPolicyBudgetSkipsItemsThatDoNotFit(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "p"})

	cands := []Candidate{
		cand("big", "b", "note", strings.Repeat("x", 40), testEpoch, 3),  // 10 tokens
		cand("mid", "b", "note", strings.Repeat("y", 20), testEpoch, 2),  // 5 tokens
		cand("small", "b", "note", strings.Repeat("z", 8), testEpoch, 1), // 2 tokens
	}
	ev, err := e.Evaluate(context.Background(), cands, "p", RequestContext{Now: testEpoch, TokenBudget: 8})
	require.NoError(t, err)

	var ids []string
	for _, s := range ev.Kept {
		ids = append(ids, s.Event.ID)
	}
	assert.Equal(t, []string{"mid", "small"}, ids)
	assert.Equal(t, 7, ev.TotalTokens)
	assert.True(t, ev.Truncated)
	assert.Equal(t, []Decision{{EventID: "big", Action: ActionDrop, Reason: ReasonBudget}}, ev.Decisions)
}

func TestPolicyBudgetCap(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "capped", TokenBudget: 3})
	cands := []Candidate{cand("a", "b", "note", strings.Repeat("x", 16), testEpoch, 1)}

	ev, err := e.Evaluate(context.Background(), cands, "capped", RequestContext{Now: testEpoch, TokenBudget: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, ev.Budget)
	assert.Empty(t, ev.Kept)
	assert.True(t, ev.Truncated)
}

func TestPolicyPriorityBoost(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "decisions-first", PriorityBoost: map[string]float64{"decision": 3}})

	cands := []Candidate{
		cand("note", "b", "note", "n", testEpoch, 0.9),
		cand("dec", "b", "decision", "d", testEpoch, 0.5),
	}
	ev, err := e.Evaluate(context.Background(), cands, "decisions-first", RequestContext{Now: testEpoch, TokenBudget: 100})
	require.NoError(t, err)
	require.Len(t, ev.Kept, 2)
	assert.Equal(t, "dec", ev.Kept[0].Event.ID)
	assert.InDelta(t, 1.5, ev.Kept[0].Score, 1e-9)
}

func TestPolicyNotFound(t *testing.T) {
	e := newTestPolicies(t, Policy{ID: "p"})

	_, err := e.Evaluate(context.Background(), nil, "missing", RequestContext{})
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	_, err = e.Evaluate(context.Background(), nil, "p@7", RequestContext{})
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.True(t, IsValidation(err))
}

func TestPolicyRegistryVersions(t *testing.T) {
	reg := NewPolicyRegistry()

	v1, err := reg.Register(Policy{ID: "p", TokenBudget: 10})
	require.NoError(t, err)
	v2, err := reg.Register(Policy{ID: "p", TokenBudget: 20})
	require.NoError(t, err)
	assert.Equal(t, "p@1", v1.Ref())
	assert.Equal(t, "p@2", v2.Ref())

	latest, err := reg.Get("p")
	require.NoError(t, err)
	assert.Equal(t, 20, latest.TokenBudget)

	pinned, err := reg.Get("p@1")
	require.NoError(t, err)
	assert.Equal(t, 10, pinned.TokenBudget)

	_, err = reg.Register(Policy{ID: "bad", Redact: []RedactRule{{Pattern: "("}}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Len(t, reg.List(), 1)
}

func TestPolicyEvaluateIsPure(t *testing.T) {
	hour := time.Hour
	e := newTestPolicies(t, Policy{ID: "p", MaxAge: &hour, TokenBudget: 5})
	cands := []Candidate{
		cand("a", "b", "note", "alpha beta gamma", testEpoch, 0.7),
		cand("b", "b", "note", "delta", testEpoch, 0.7),
		cand("c", "b", "note", "old", testEpoch.Add(-2*time.Hour), 0.9),
	}
	rc := RequestContext{Now: testEpoch, TokenBudget: 100}

	first, err := e.Evaluate(context.Background(), cands, "p", rc)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), cands, "p", rc)
	require.NoError(t, err)
	assert.Equal(t, first.Decisions, second.Decisions)
	assert.Equal(t, first.Kept, second.Kept)
}
