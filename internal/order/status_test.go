package order

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyTable(t *testing.T) {
	cases := []struct {
		role    Role
		from    Status
		to      Status
		allowed bool
	}{
		{RoleSystem, StatusPending, StatusCompleted, true},
		{RoleSystem, StatusPending, StatusFailed, true},
		{RoleSystem, StatusCompleted, StatusFailed, false},
		{RoleSeller, StatusCompleted, StatusDispatched, true},
		{RoleSeller, StatusCompleted, StatusUnfilled, true},
		{RoleSeller, StatusDispatched, StatusReturned, true},
		{RoleSeller, StatusPending, StatusDispatched, false},
		{RoleSeller, StatusDispatched, StatusCompleted, false},
		{RoleAdmin, StatusDispatched, StatusDelivered, true},
		{RoleAdmin, StatusCompleted, StatusDelivered, false},
		{RoleAdmin, StatusPending, StatusCancelled, true},
		{RoleAdmin, StatusUnfilled, StatusRefunded, true},
		{RoleAdmin, StatusDelivered, StatusRefunded, false},
		{RoleAdmin, StatusReturned, StatusCancelled, false},
		{RoleBuyer, StatusPending, StatusCancelled, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.allowed, CanTransition(tc.role, tc.from, tc.to), "%s: %s -> %s", tc.role, tc.from, tc.to)
	}
}

func TestRoleTargets(t *testing.T) {
	require.ElementsMatch(t, []Status{StatusDispatched, StatusReturned, StatusUnfilled}, roleTargets[RoleSeller])
	require.ElementsMatch(t, []Status{StatusDelivered, StatusCancelled, StatusRefunded}, roleTargets[RoleAdmin])
	require.ElementsMatch(t, []Status{StatusCompleted, StatusFailed}, roleTargets[RoleSystem])
	require.Empty(t, roleTargets[RoleBuyer])
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.Terminal() {
			continue
		}
		for role := range policy {
			require.Empty(t, AllowedTargets(role, s), "%s from %s", role, s)
		}
	}
}

// Every status must be reachable from pending using only policy edges.
func TestEveryStatusReachableFromPending(t *testing.T) {
	seen := map[Status]bool{StatusPending: true}
	queue := []Status{StatusPending}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for role := range policy {
			for _, next := range AllowedTargets(role, cur) {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	for _, s := range AllStatuses {
		require.True(t, seen[s], "%s unreachable", s)
	}
}

func TestParseRole(t *testing.T) {
	require.Equal(t, RoleSeller, ParseRole("seller"))
	require.Equal(t, RoleAdmin, ParseRole("admin"))
	require.Equal(t, RoleBuyer, ParseRole("customer"))
}
