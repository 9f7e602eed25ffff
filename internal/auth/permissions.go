package auth

import "strings"

// Tier is the coarse permission class of an operation: admin > write > read.
type Tier int

const (
	TierRead Tier = iota
	TierWrite
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierWrite:
		return "write"
	default:
		return "read"
	}
}

// The operation tier table is closed: structural changes are admin,
// mutations are write, everything else (all reads, subscribe and
// unsubscribe included) is read.
var adminOps = map[string]struct{}{
	"store.defineBucket": {},
	"store.defineQuery":  {},
	"rules.defineRule":   {},
	"procedures.define":  {},
	"server.stats":       {},
	"server.connections": {},
	"server.audit":       {},
}

var writeOps = map[string]struct{}{
	"store.insert":      {},
	"store.update":      {},
	"store.delete":      {},
	"store.clear":       {},
	"store.transaction": {},
	"rules.emit":        {},
	"rules.setFact":     {},
	"rules.deleteFact":  {},
	"procedures.call":   {},
}

// OperationTier classifies an operation name.
func OperationTier(op string) Tier {
	if _, ok := adminOps[op]; ok {
		return TierAdmin
	}
	if _, ok := writeOps[op]; ok {
		return TierWrite
	}
	return TierRead
}

// RoleTier maps the built-in role names onto tiers. Any other role name
// is not tiered and relies purely on declarative rules.
func RoleTier(role string) (Tier, bool) {
	switch role {
	case "admin":
		return TierAdmin, true
	case "write":
		return TierWrite, true
	case "read":
		return TierRead, true
	}
	return TierRead, false
}

// ResourceKind tells a rule which constraint list applies to the
// extracted resource.
type ResourceKind int

const (
	ResourceNone ResourceKind = iota
	ResourceBucket
	ResourceTopic
)

// Rule is one declarative permission entry. The first rule whose role,
// operation pattern, and resource constraint all match decides.
type Rule struct {
	Role    string
	Allow   []string // operation patterns: exact, "*", or "prefix.*"
	Buckets []string // optional bucket constraint for store operations
	Topics  []string // optional topic constraint for rules operations
}

// CheckFunc is the optional custom predicate. A non-nil return is
// authoritative; nil falls through to the declarative rules.
type CheckFunc func(s *Session, operation, resource string) *bool

// Permissions evaluates whether a session may perform an operation.
// Evaluation: built-in tier gate first (only when the session carries a
// tiered role), then the custom predicate, then declarative rules in
// order, then the configured default.
type Permissions struct {
	Check        CheckFunc
	Rules        []Rule
	DefaultAllow bool
}

// Authorize decides access for op against the extracted resource.
// A nil session (auth optional, unauthenticated) has no roles and is
// decided by Check, rules with role "*", or the default.
func (p *Permissions) Authorize(s *Session, op, resource string, kind ResourceKind) bool {
	if s != nil {
		if tier, tiered := sessionTier(s); tiered && tier < OperationTier(op) {
			return false
		}
	}

	if p.Check != nil {
		if verdict := p.Check(s, op, resource); verdict != nil {
			return *verdict
		}
	}

	for i := range p.Rules {
		r := &p.Rules[i]
		if !roleMatches(s, r.Role) {
			continue
		}
		if !opMatchesAny(r.Allow, op) {
			continue
		}
		if !resourceAllowed(r, resource, kind) {
			continue
		}
		return true
	}

	return p.DefaultAllow
}

// sessionTier returns the highest built-in tier among the session's
// roles, and whether any role is tiered at all.
func sessionTier(s *Session) (Tier, bool) {
	best := TierRead
	tiered := false
	for _, role := range s.Roles {
		if t, ok := RoleTier(role); ok {
			tiered = true
			if t > best {
				best = t
			}
		}
	}
	return best, tiered
}

func roleMatches(s *Session, role string) bool {
	if role == "*" {
		return true
	}
	return s != nil && s.HasRole(role)
}

func opMatchesAny(patterns []string, op string) bool {
	for _, p := range patterns {
		if MatchOperation(p, op) {
			return true
		}
	}
	return false
}

// MatchOperation matches an operation name against a pattern supporting
// "*" and "prefix.*".
func MatchOperation(pattern, op string) bool {
	if pattern == "*" || pattern == op {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(op, pattern[:len(pattern)-1])
	}
	return false
}

func resourceAllowed(r *Rule, resource string, kind ResourceKind) bool {
	var constraint []string
	switch kind {
	case ResourceBucket:
		constraint = r.Buckets
	case ResourceTopic:
		constraint = r.Topics
	default:
		return true
	}
	if len(constraint) == 0 {
		return true
	}
	for _, c := range constraint {
		if c == "*" || c == resource {
			return true
		}
	}
	return false
}
