package promotion

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/warp/points-ledger/points"
)

// RoleAssigner is the external role subsystem.
type RoleAssigner interface {
	AssignRole(ctx context.Context, userID points.UserID, role string) error
}

// RoleAssignerFunc adapts a function to RoleAssigner.
type RoleAssignerFunc func(ctx context.Context, userID points.UserID, role string) error

func (f RoleAssignerFunc) AssignRole(ctx context.Context, userID points.UserID, role string) error {
	return f(ctx, userID, role)
}

// RoleRule grants Role from MinLevel upwards.
type RoleRule struct {
	MinLevel int    `json:"min_level"`
	Role     string `json:"role"`
}

// DefaultRoles pairs with points.DefaultLevels.
func DefaultRoles() []RoleRule {
	return []RoleRule{
		{MinLevel: 1, Role: "member"},
		{MinLevel: 3, Role: "contributor"},
		{MinLevel: 5, Role: "trusted"},
		{MinLevel: 7, Role: "veteran"},
		{MinLevel: 9, Role: "master"},
	}
}

// RolePromoter assigns the role of the new level when it differs from the
// role of the old one. Demotions assign the lower role.
type RolePromoter struct {
	rules    []RoleRule
	assigner RoleAssigner
}

var _ points.PromotionHook = (*RolePromoter)(nil)

func NewRolePromoter(rules []RoleRule, assigner RoleAssigner) *RolePromoter {
	sorted := append([]RoleRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinLevel < sorted[j].MinLevel })
	return &RolePromoter{rules: sorted, assigner: assigner}
}

// RoleFor returns the role of level, or "" below the first rule.
func (p *RolePromoter) RoleFor(level int) string {
	role := ""
	for _, r := range p.rules {
		if level < r.MinLevel {
			break
		}
		role = r.Role
	}
	return role
}

func (p *RolePromoter) OnLevelChange(ctx context.Context, change points.LevelChange) error {
	role := p.RoleFor(change.NewLevel)
	if role == "" || role == p.RoleFor(change.OldLevel) {
		return nil
	}
	if err := p.assigner.AssignRole(ctx, change.UserID, role); err != nil {
		return fmt.Errorf("failed to assign role %q to user %d: %w", role, change.UserID, err)
	}
	return nil
}

// Multi calls every hook in order and joins their errors.
func Multi(hooks ...points.PromotionHook) points.PromotionHook {
	return points.HookFunc(func(ctx context.Context, change points.LevelChange) error {
		var errs []error
		for _, h := range hooks {
			if err := h.OnLevelChange(ctx, change); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
