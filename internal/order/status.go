package order

import "slices"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDispatched Status = "dispatched"
	StatusUnfilled   Status = "unfilled"
	StatusReturned   Status = "returned"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusCompleted, StatusFailed, StatusDispatched, StatusUnfilled,
	StatusReturned, StatusDelivered, StatusCancelled, StatusRefunded,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(AllStatuses, s) }

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRefunded, StatusReturned, StatusFailed:
		return true
	}
	return false
}

// Role identifies who is asking for a transition.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	// RoleSystem is used for verified payment signals.
	RoleSystem Role = "system"
)

// ParseRole maps a principal role claim onto a Role. Unknown roles are treated as buyers.
func ParseRole(v string) Role {
	switch r := Role(v); r {
	case RoleSeller, RoleAdmin, RoleSystem:
		return r
	}
	return RoleBuyer
}

// policy maps (role, current status) to the statuses that role may move an order to.
// It is the only place transition rights are defined.
var policy = map[Role]map[Status][]Status{
	RoleSystem: {
		StatusPending: {StatusCompleted, StatusFailed},
	},
	RoleSeller: {
		StatusCompleted:  {StatusDispatched, StatusUnfilled},
		StatusDispatched: {StatusReturned},
	},
	RoleAdmin: {
		StatusPending:    {StatusCancelled, StatusRefunded},
		StatusCompleted:  {StatusCancelled, StatusRefunded},
		StatusDispatched: {StatusDelivered, StatusCancelled, StatusRefunded},
		StatusUnfilled:   {StatusCancelled, StatusRefunded},
	},
}

// roleTargets is the union of targets per role, derived from policy.
var roleTargets = func() map[Role][]Status {
	out := make(map[Role][]Status, len(policy))
	for role, edges := range policy {
		for _, targets := range edges {
			for _, t := range targets {
				if !slices.Contains(out[role], t) {
					out[role] = append(out[role], t)
				}
			}
		}
	}
	return out
}()

// RoleMayRequest reports whether role may ever request target, regardless of order state.
func RoleMayRequest(role Role, target Status) bool {
	return slices.Contains(roleTargets[role], target)
}

// CanTransition reports whether role may move an order from current to target.
func CanTransition(role Role, current, target Status) bool {
	if current.Terminal() {
		return false
	}
	return slices.Contains(policy[role][current], target)
}

// AllowedTargets returns the statuses role may move an order in current to.
func AllowedTargets(role Role, current Status) []Status {
	if current.Terminal() {
		return nil
	}
	return slices.Clone(policy[role][current])
}
