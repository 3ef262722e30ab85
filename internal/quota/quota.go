package quota

import (
	"errors"
	"fmt"

	"memberevents/internal/model"
)

var ErrDuplicateWeight = errors.New("duplicate ticket type weight")

// Resolve picks the ticket tier applicable to a user holding the given
// active role uuids. Among the tiers whose role the user holds, the one
// with the highest weight wins. A tier scoped to defaultRole applies to
// every user, so a configured no-role tier acts as the fallback.
//
// A nil result with ok=false means no tier applies. An event with no
// ticket types at all is free-form registration and never reaches here.
func Resolve(userRoles []string, tiers []model.TicketType, defaultRole string) (*model.TicketType, bool) {
	held := make(map[string]struct{}, len(userRoles)+1)
	for _, r := range userRoles {
		held[r] = struct{}{}
	}
	if defaultRole != "" {
		held[defaultRole] = struct{}{}
	}

	var best *model.TicketType
	for i := range tiers {
		t := &tiers[i]
		if _, ok := held[t.RoleUUID]; !ok {
			continue
		}
		if best == nil || t.Weight > best.Weight {
			best = t
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// ValidateWeights rejects ticket type sets with duplicate weights. Ties
// are a content-authoring defect and are refused at sync time instead of
// being resolved at reservation time.
func ValidateWeights(tiers []model.TicketType) error {
	seen := make(map[int]string, len(tiers))
	for _, t := range tiers {
		if other, dup := seen[t.Weight]; dup {
			return fmt.Errorf("%w: weight %d on roles %s and %s", ErrDuplicateWeight, t.Weight, other, t.RoleUUID)
		}
		seen[t.Weight] = t.RoleUUID
	}
	return nil
}
