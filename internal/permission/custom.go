package permission

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/org/secretflow/internal/apperr"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug checks a custom role slug. Built-in slugs are reserved.
func ValidateSlug(slug string) error {
	if !slugRe.MatchString(slug) || len(slug) > 64 {
		return apperr.Validation("INVALID_ROLE_SLUG", fmt.Sprintf("invalid role slug %q", slug))
	}
	if IsBuiltinRole(slug) {
		return apperr.Validation("RESERVED_ROLE_SLUG", fmt.Sprintf("role slug %q is reserved", slug))
	}
	return nil
}

// Validate rejects rules that reference unknown subjects, actions, fields or operators.
func (rs RuleSet) Validate() error {
	for i, r := range rs {
		if err := r.validate(); err != nil {
			return apperr.Validation("INVALID_PERMISSION_RULE", fmt.Sprintf("rule %d: %v", i, err))
		}
	}
	return nil
}

func (r Rule) validate() error {
	if r.Effect != Allow && r.Effect != Deny {
		return fmt.Errorf("unknown effect %q", r.Effect)
	}
	valid, ok := subjectActions[r.Subject]
	if !ok {
		return fmt.Errorf("unknown subject %q", r.Subject)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("no actions for subject %q", r.Subject)
	}
	for _, a := range r.Actions {
		if !slices.Contains(valid, a) {
			return fmt.Errorf("action %q is not valid on subject %q", a, r.Subject)
		}
	}
	for _, c := range r.Conditions {
		if r.Subject != SubjectSecrets && r.Subject != SubjectSecretFolders && r.Subject != SubjectSecretImports {
			return fmt.Errorf("subject %q does not accept conditions", r.Subject)
		}
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Field {
	case FieldEnvironment, FieldSecretPath, FieldSecretName, FieldSecretTags:
	default:
		return fmt.Errorf("unknown condition field %q", c.Field)
	}
	switch c.Op {
	case OpEq, OpNe, OpGlob:
		if len(c.Values) != 1 {
			return fmt.Errorf("%s on %s takes exactly one value", c.Op, c.Field)
		}
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("in on %s needs at least one value", c.Field)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	if c.Op == OpGlob && !doublestar.ValidatePattern(c.Values[0]) {
		return fmt.Errorf("invalid glob %q", c.Values[0])
	}
	return nil
}

// DecodeRules parses and validates a serialized rule list.
func DecodeRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "INVALID_PERMISSION_RULE", "malformed rule list")
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// EncodeRules validates and serializes rs for storage.
func EncodeRules(rs RuleSet) ([]byte, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(rs)
}
