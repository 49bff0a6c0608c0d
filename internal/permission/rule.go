// Package permission evaluates project-scoped RBAC rules.
//
// A RuleSet is a flat list of allow and deny rules. Evaluation folds over every
// rule: any matching deny wins, otherwise any matching allow grants, otherwise
// the request is denied.
package permission

import (
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// Action is an operation on a subject.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"

	// On secrets, read grants both describeSecret and readValue.
	ActionDescribeSecret Action = "describeSecret"
	ActionReadValue      Action = "readValue"

	ActionRotateSecrets            Action = "rotateSecrets"
	ActionReadGeneratedCredentials Action = "readGeneratedCredentials"
)

// covers reports whether a rule listing actions applies to action on subject.
func covers(actions []Action, subject Subject, action Action) bool {
	if slices.Contains(actions, action) {
		return true
	}
	return subject == SubjectSecrets && (action == ActionDescribeSecret || action == ActionReadValue) &&
		slices.Contains(actions, ActionRead)
}

// Subject is the resource type a rule applies to.
type Subject string

const (
	SubjectSecrets        Subject = "secrets"
	SubjectSecretFolders  Subject = "secret-folders"
	SubjectSecretImports  Subject = "secret-imports"
	SubjectSecretApproval Subject = "secret-approval"
	SubjectSecretRotation Subject = "secret-rotation"
	SubjectSecretRollback Subject = "secret-rollback"
	SubjectMember         Subject = "member"
	SubjectGroups         Subject = "groups"
	SubjectRole           Subject = "role"
	SubjectIdentity       Subject = "identity"
	SubjectServiceTokens  Subject = "service-tokens"
	SubjectSettings       Subject = "settings"
	SubjectEnvironments   Subject = "environments"
	SubjectTags           Subject = "tags"
	SubjectAuditLogs      Subject = "audit-logs"
	SubjectIPAllowList    Subject = "ip-allowlist"
	SubjectProject        Subject = "project"
	SubjectSSHHosts       Subject = "ssh-hosts"
)

// Effect is the outcome a matching rule contributes.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Field names an attribute a condition can test.
type Field string

const (
	FieldEnvironment Field = "environment"
	FieldSecretPath  Field = "secretPath"
	FieldSecretName  Field = "secretName"
	FieldSecretTags  Field = "secretTags"
)

// Operator is the comparison a condition performs.
type Operator string

const (
	OpEq   Operator = "eq"
	OpNe   Operator = "ne"
	OpIn   Operator = "in"
	OpGlob Operator = "glob"
)

// Condition is one predicate over a request attribute.
// Eq, Ne and Glob use Values[0]; In uses the whole list.
type Condition struct {
	Field  Field    `json:"field"`
	Op     Operator `json:"op"`
	Values []string `json:"values"`
}

// Eq builds an equality condition.
func Eq(f Field, v string) Condition { return Condition{Field: f, Op: OpEq, Values: []string{v}} }

// Ne builds an inequality condition.
func Ne(f Field, v string) Condition { return Condition{Field: f, Op: OpNe, Values: []string{v}} }

// In builds a set-membership condition.
func In(f Field, vs ...string) Condition { return Condition{Field: f, Op: OpIn, Values: vs} }

// Glob builds a doublestar glob condition.
func Glob(f Field, pattern string) Condition {
	return Condition{Field: f, Op: OpGlob, Values: []string{pattern}}
}

// Rule grants or denies Actions on Subject when every condition holds.
type Rule struct {
	Effect     Effect      `json:"effect"`
	Actions    []Action    `json:"actions"`
	Subject    Subject     `json:"subject"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Can builds an allow rule.
func Can(actions []Action, subject Subject, conds ...Condition) Rule {
	return Rule{Effect: Allow, Actions: actions, Subject: subject, Conditions: conds}
}

// Cannot builds a deny rule.
func Cannot(actions []Action, subject Subject, conds ...Condition) Rule {
	return Rule{Effect: Deny, Actions: actions, Subject: subject, Conditions: conds}
}

// Attributes describe the resource being accessed. Empty fields are absent.
type Attributes struct {
	Environment string
	SecretPath  string
	SecretName  string
	SecretTags  []string
}

func (a Attributes) values(f Field) ([]string, bool) {
	switch f {
	case FieldEnvironment:
		return []string{a.Environment}, a.Environment != ""
	case FieldSecretPath:
		return []string{a.SecretPath}, a.SecretPath != ""
	case FieldSecretName:
		return []string{a.SecretName}, a.SecretName != ""
	case FieldSecretTags:
		return a.SecretTags, a.SecretTags != nil
	}
	return nil, false
}

// holds evaluates c against attrs. A condition over an absent attribute is
// satisfied only when missingMatches is set, which deny rules use so that an
// unscoped request cannot slip past a scoped deny.
func (c Condition) holds(attrs Attributes, missingMatches bool) bool {
	vals, ok := attrs.values(c.Field)
	if !ok {
		return missingMatches
	}
	if len(c.Values) == 0 {
		return false
	}
	multi := c.Field == FieldSecretTags
	switch c.Op {
	case OpEq:
		return slices.Contains(vals, c.Values[0])
	case OpNe:
		if multi {
			return !slices.Contains(vals, c.Values[0])
		}
		return vals[0] != c.Values[0]
	case OpIn:
		for _, v := range vals {
			if slices.Contains(c.Values, v) {
				return true
			}
		}
		return false
	case OpGlob:
		for _, v := range vals {
			if ok, err := doublestar.Match(c.Values[0], v); err == nil && ok {
				return true
			}
		}
		return false
	}
	return false
}

func (r Rule) matches(action Action, subject Subject, attrs Attributes) bool {
	if r.Subject != subject || !covers(r.Actions, subject, action) {
		return false
	}
	for _, c := range r.Conditions {
		if !c.holds(attrs, r.Effect == Deny) {
			return false
		}
	}
	return true
}

// RuleSet is the resolved rule list of one actor in one project.
type RuleSet []Rule

// Can reports whether the set allows action on subject for attrs.
// Deny rules take precedence and an empty set denies everything.
func (rs RuleSet) Can(action Action, subject Subject, attrs Attributes) bool {
	allowed := false
	for _, r := range rs {
		if !r.matches(action, subject, attrs) {
			continue
		}
		if r.Effect == Deny {
			return false
		}
		if r.Effect == Allow {
			allowed = true
		}
	}
	return allowed
}

// CanAny reports whether some allow rule for action on subject exists,
// ignoring conditions. It answers "could this actor ever do this" for listings.
func (rs RuleSet) CanAny(action Action, subject Subject) bool {
	for _, r := range rs {
		if r.Effect == Allow && r.Subject == subject && covers(r.Actions, subject, action) {
			return true
		}
	}
	return false
}

// Merge returns the union of sets.
func Merge(sets ...RuleSet) RuleSet {
	var n int
	for _, s := range sets {
		n += len(s)
	}
	out := make(RuleSet, 0, n)
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// Packed flattens unconditional allows into "action_subject" strings.
// Conditional and deny rules are left out.
func (rs RuleSet) Packed() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rs {
		if r.Effect != Allow || len(r.Conditions) > 0 {
			continue
		}
		for _, a := range r.Actions {
			k := string(a) + "_" + string(r.Subject)
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	slices.Sort(out)
	return out
}

// IsAtLeastAsPrivileged reports whether every allow in b, conditional or not,
// is backed by an unconditional allow of the same action and subject in a.
func IsAtLeastAsPrivileged(a, b RuleSet) bool {
	have := map[string]bool{}
	for _, p := range a.Packed() {
		have[p] = true
	}
	for _, r := range b {
		if r.Effect != Allow {
			continue
		}
		for _, act := range r.Actions {
			if !backed(have, act, r.Subject) {
				return false
			}
		}
	}
	return true
}

func backed(have map[string]bool, act Action, subject Subject) bool {
	key := func(a Action) string { return string(a) + "_" + string(subject) }
	if have[key(act)] {
		return true
	}
	if subject != SubjectSecrets {
		return false
	}
	switch act {
	case ActionDescribeSecret, ActionReadValue:
		return have[key(ActionRead)]
	case ActionRead:
		return have[key(ActionDescribeSecret)] && have[key(ActionReadValue)]
	}
	return false
}
