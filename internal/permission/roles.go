package permission

import "github.com/org/secretflow/pkg/models"

// Built-in role slugs.
const (
	RoleAdmin    = "admin"
	RoleMember   = "member"
	RoleViewer   = "viewer"
	RoleNoAccess = "no-access"
)

var crud = []Action{ActionRead, ActionCreate, ActionEdit, ActionDelete}

var secretActions = []Action{
	ActionRead, ActionDescribeSecret, ActionReadValue, ActionCreate, ActionEdit, ActionDelete,
}

var rotationActions = []Action{
	ActionRead, ActionCreate, ActionEdit, ActionDelete, ActionRotateSecrets, ActionReadGeneratedCredentials,
}

// subjectActions lists the actions each subject accepts.
var subjectActions = map[Subject][]Action{
	SubjectSecrets:        secretActions,
	SubjectSecretFolders:  crud,
	SubjectSecretImports:  crud,
	SubjectSecretApproval: crud,
	SubjectSecretRotation: rotationActions,
	SubjectSecretRollback: {ActionRead, ActionCreate},
	SubjectMember:         crud,
	SubjectGroups:         crud,
	SubjectRole:           crud,
	SubjectIdentity:       crud,
	SubjectServiceTokens:  crud,
	SubjectSettings:       crud,
	SubjectEnvironments:   crud,
	SubjectTags:           crud,
	SubjectAuditLogs:      crud,
	SubjectIPAllowList:    crud,
	SubjectProject:        {ActionEdit, ActionDelete},
	SubjectSSHHosts:       {ActionCreate},
}

var adminRules, memberRules, viewerRules RuleSet

func init() {
	for s, acts := range subjectActions {
		if s == SubjectSSHHosts {
			continue
		}
		adminRules = append(adminRules, Can(acts, s))
	}

	memberRules = RuleSet{
		Can(crud, SubjectSecrets),
		Can(crud, SubjectSecretFolders),
		Can(crud, SubjectSecretImports),
		Can([]Action{ActionRead}, SubjectSecretApproval),
		Can([]Action{ActionRead}, SubjectSecretRotation),
		Can([]Action{ActionRead, ActionCreate}, SubjectSecretRollback),
		Can([]Action{ActionRead, ActionCreate}, SubjectMember),
		Can([]Action{ActionRead}, SubjectGroups),
		Can(crud, SubjectIdentity),
		Can(crud, SubjectServiceTokens),
		Can(crud, SubjectSettings),
		Can(crud, SubjectEnvironments),
		Can(crud, SubjectTags),
		Can([]Action{ActionRead}, SubjectRole),
		Can([]Action{ActionRead}, SubjectAuditLogs),
		Can([]Action{ActionRead}, SubjectIPAllowList),
	}

	for _, s := range []Subject{
		SubjectSecrets, SubjectSecretFolders, SubjectSecretImports, SubjectSecretApproval,
		SubjectSecretRollback, SubjectSecretRotation, SubjectMember, SubjectGroups,
		SubjectRole, SubjectIdentity, SubjectServiceTokens, SubjectSettings,
		SubjectEnvironments, SubjectTags, SubjectAuditLogs, SubjectIPAllowList,
	} {
		viewerRules = append(viewerRules, Can([]Action{ActionRead}, s))
	}
}

// IsBuiltinRole reports whether slug names a predefined role.
func IsBuiltinRole(slug string) bool {
	switch slug {
	case RoleAdmin, RoleMember, RoleViewer, RoleNoAccess:
		return true
	}
	return false
}

// BuiltinRules returns the rule set of a predefined role.
func BuiltinRules(slug string) (RuleSet, bool) {
	switch slug {
	case RoleAdmin:
		return adminRules, true
	case RoleMember:
		return memberRules, true
	case RoleViewer:
		return viewerRules, true
	case RoleNoAccess:
		return RuleSet{}, true
	}
	return nil, false
}

// ServiceTokenRules builds the rule set for a scoped service token.
// access holds "read" and/or "write".
func ServiceTokenRules(scopes []models.TokenScope, access []string) RuleSet {
	var canRead, canWrite bool
	for _, a := range access {
		switch a {
		case "read":
			canRead = true
		case "write":
			canWrite = true
		}
	}
	var rs RuleSet
	for _, sc := range scopes {
		conds := []Condition{Glob(FieldSecretPath, sc.SecretPath), Eq(FieldEnvironment, sc.Environment)}
		if canWrite {
			rs = append(rs, Can([]Action{ActionCreate, ActionEdit, ActionDelete}, SubjectSecrets, conds...))
		}
		if canRead {
			rs = append(rs, Can([]Action{ActionRead}, SubjectSecrets, conds...))
		}
	}
	return rs
}

// BootstrapRules is the narrow set granted to hosts registering themselves.
func BootstrapRules() RuleSet {
	return RuleSet{Can([]Action{ActionCreate}, SubjectSSHHosts)}
}
