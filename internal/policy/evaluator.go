// Package policy turns an execution identity and the current rule set into a
// verdict. Evaluation is a pure function of its inputs.
package policy

import (
	"errors"
	"fmt"

	"execguard/internal/domain"
	"execguard/internal/provenance"
)

// MaxPathLength is the longest executable path that can be evaluated. Longer
// paths are denied outside Monitor mode.
const MaxPathLength = 1024

// CELResult is the outcome of a CEL rule.
type CELResult struct {
	Allow bool
	// Cacheable is false when the result depends on per-execution data such
	// as arguments or environment.
	Cacheable bool
}

// CELResolver evaluates the expression attached to a CEL rule.
type CELResolver interface {
	Resolve(rule domain.Rule, id domain.ExecutionIdentity) (CELResult, error)
}

// CELFunc adapts a function to CELResolver.
type CELFunc func(rule domain.Rule, id domain.ExecutionIdentity) (CELResult, error)

func (f CELFunc) Resolve(rule domain.Rule, id domain.ExecutionIdentity) (CELResult, error) {
	return f(rule, id)
}

// Context carries everything Evaluate reads besides the identity.
type Context struct {
	Mode       domain.ClientMode
	Rules      domain.RuleSource
	Scope      *Scope
	Provenance provenance.Source
	// Transitive enables AllowTransitive rules and pending provenance.
	Transitive bool
	CEL        CELResolver
}

// Evaluate computes the verdict for id. The returned error is non-nil only
// when the rule source fails; a missing rule is not an error.
func Evaluate(id domain.ExecutionIdentity, ctx Context) (domain.Verdict, error) {
	v, err := evaluate(id, ctx)
	if err != nil {
		return domain.Verdict{}, err
	}
	if id.BundleBinary {
		v.AuxFlags |= domain.EventStateBundleBinary
	}
	return v, nil
}

func evaluate(id domain.ExecutionIdentity, ctx Context) (domain.Verdict, error) {
	trusted := id.SignatureTrusted()

	for _, t := range domain.RulePrecedence {
		// An invalid signature makes every signature-derived identifier
		// meaningless; only the content hash can still be matched.
		if !trusted && t != domain.RuleTypeBinary {
			continue
		}
		for _, ident := range id.Identifiers(t) {
			r, err := ctx.Rules.Lookup(t, ident)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Verdict{}, fmt.Errorf("lookup %s rule: %w", t, err)
			}
			v, ok := ruleVerdict(t, r, id, ctx)
			if !ok {
				continue
			}
			v.Rule = &r
			return v, nil
		}
	}

	if !trusted {
		return domain.Block(domain.EventStateBlockCertificate), nil
	}
	return unmatched(id, ctx), nil
}

// ruleVerdict maps a matched rule to a verdict. ok is false for rules that
// must be skipped.
func ruleVerdict(t domain.RuleType, r domain.Rule, id domain.ExecutionIdentity, ctx Context) (domain.Verdict, bool) {
	switch r.State {
	case domain.RuleStateAllow:
		return domain.Allow(domain.AllowReasonFor(t)), true
	case domain.RuleStateAllowCompiler:
		return domain.Allow(domain.CompilerReasonFor(t)), true
	case domain.RuleStateAllowTransitive:
		if !ctx.Transitive {
			return domain.Verdict{}, false
		}
		return domain.Allow(domain.EventStateAllowTransitive), true
	case domain.RuleStateAllowLocalBinary:
		return domain.Allow(domain.EventStateAllowLocalBinary), true
	case domain.RuleStateAllowLocalSigningID:
		return domain.Allow(domain.EventStateAllowLocalSigningID), true
	case domain.RuleStateBlock:
		return domain.Block(domain.BlockReasonFor(t)), true
	case domain.RuleStateSilentBlock:
		v := domain.Block(domain.BlockReasonFor(t))
		v.Silent = true
		return v, true
	case domain.RuleStateCEL:
		return celVerdict(t, r, id, ctx.CEL), true
	}
	// Unknown and Remove never match.
	return domain.Verdict{}, false
}

func celVerdict(t domain.RuleType, r domain.Rule, id domain.ExecutionIdentity, resolver CELResolver) domain.Verdict {
	if resolver == nil {
		return domain.Allow(domain.AllowReasonFor(t))
	}
	res, err := resolver.Resolve(r, id)
	if err != nil {
		v := domain.Block(domain.BlockReasonFor(t))
		v.Cacheable = false
		return v
	}
	var v domain.Verdict
	if res.Allow {
		v = domain.Allow(domain.AllowReasonFor(t))
	} else {
		v = domain.Block(domain.BlockReasonFor(t))
	}
	v.Cacheable = res.Cacheable
	return v
}

// unmatched applies path scope, provenance and the mode default.
func unmatched(id domain.ExecutionIdentity, ctx Context) domain.Verdict {
	if len(id.Path) > MaxPathLength && ctx.Mode != domain.ClientModeMonitor {
		return pathVerdict(domain.Block(domain.EventStateBlockLongPath))
	}
	if _, ok := ctx.Scope.Blocked(id.Path); ok {
		return pathVerdict(domain.Block(domain.EventStateBlockScope))
	}
	if _, ok := ctx.Scope.Allowed(id.Path); ok {
		return pathVerdict(domain.Allow(domain.EventStateAllowScope))
	}

	prov := provenance.StateNone
	if ctx.Provenance != nil && id.SHA256 != "" {
		prov = ctx.Provenance.Lookup(id.SHA256)
	}

	if ctx.Mode == domain.ClientModeStandalone && prov == provenance.StateConfirmed {
		if id.SigningID != "" {
			return domain.Allow(domain.EventStateAllowLocalSigningID)
		}
		return domain.Allow(domain.EventStateAllowLocalBinary)
	}
	if ctx.Transitive {
		switch prov {
		case provenance.StateConfirmed:
			return domain.Allow(domain.EventStateAllowTransitive)
		case provenance.StatePending:
			return domain.Allow(domain.EventStateAllowPendingTransitive)
		}
	}

	if ctx.Mode == domain.ClientModeMonitor {
		return domain.Allow(domain.EventStateAllowUnknown)
	}
	return domain.Block(domain.EventStateBlockUnknown)
}

// pathVerdict marks a verdict as depending on the executable path. The cache
// is keyed by content, so the same binary at another path must be
// re-evaluated.
func pathVerdict(v domain.Verdict) domain.Verdict {
	v.Cacheable = false
	return v
}
