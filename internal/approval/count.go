package approval

import (
	"context"
	"slices"

	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

// eligible reports whether a user with the given groups satisfies entry.
func eligible(entry models.Approver, userID string, groups []string) bool {
	switch entry.Type {
	case models.PrincipalUser:
		return entry.ID == userID
	case models.PrincipalGroup:
		return slices.Contains(groups, entry.ID)
	}
	return false
}

// isListed reports whether a user appears in list directly or through a group.
func isListed(list []models.Approver, userID string, groups []string) bool {
	for _, a := range list {
		if eligible(a, userID, groups) {
			return true
		}
	}
	return false
}

// CountApprovals returns how many approver entries are satisfied by the
// approving users. Each user fills at most one entry and each entry counts
// once, so a group whose members all approve still counts as one. The result
// is the size of a maximum matching between users and entries.
func CountApprovals(entries []models.Approver, approving []string, groupsOf map[string][]string) int {
	owner := make([]int, len(entries))
	for i := range owner {
		owner[i] = -1
	}
	var assign func(u int, seen []bool) bool
	assign = func(u int, seen []bool) bool {
		for e, entry := range entries {
			if seen[e] || !eligible(entry, approving[u], groupsOf[approving[u]]) {
				continue
			}
			seen[e] = true
			if owner[e] < 0 || assign(owner[e], seen) {
				owner[e] = u
				return true
			}
		}
		return false
	}

	n := 0
	for u := range approving {
		if assign(u, make([]bool, len(entries))) {
			n++
		}
	}
	return n
}

// approvals counts the qualifying approvals on req under policy.
func approvals(ctx context.Context, tx storage.Tx, policy *models.ApprovalPolicy, req *models.ApprovalRequest) (int, error) {
	var users []string
	groupsOf := map[string][]string{}
	for _, r := range req.Reviews {
		if r.Status != models.ReviewApproved || slices.Contains(users, r.ReviewerID) {
			continue
		}
		if r.ReviewerID == req.CommitterID && !policy.AllowSelfApproval {
			continue
		}
		groups, err := tx.GroupsForUser(ctx, r.ReviewerID)
		if err != nil {
			return 0, err
		}
		users = append(users, r.ReviewerID)
		groupsOf[r.ReviewerID] = groups
	}
	return CountApprovals(policy.Approvers, users, groupsOf), nil
}
