/*
catalog.go - What each activity is worth

PURPOSE:
  A Catalog maps an ActivityKind to a Rule: the ledger transaction type,
  the points and whether the activity may pay only once per actor and
  reference. DefaultCatalog uses each transaction type's default points.

OVERRIDES:
  Operators retune amounts without code changes through factory.LoadFile,
  which calls WithPoints for every entry of the [points] table.

EXAMPLE:
  catalog := rewards.DefaultCatalog().WithPoints(points.TxPostCreate, 15)
  rule, ok := catalog.Rule(rewards.ActivityPostCreated)
  // rule.Points == 15

SEE ALSO:
  - factory/factory.go: Catalog overrides from policy files
*/
package rewards

import (
	"fmt"
	"sort"

	"github.com/warp/points-ledger/points"
)

// Rule describes the ledger effect of one activity kind.
type Rule struct {
	Kind   ActivityKind           `json:"kind"`
	Type   points.TransactionType `json:"type"`
	Points int64                  `json:"points"`

	// Unique activities pay once per (kind, actor, reference).
	Unique bool `json:"unique"`

	// NoSelf activities pay nothing when the actor is the recipient.
	NoSelf bool `json:"no_self"`
}

// Catalog is immutable; WithPoints returns a modified copy.
type Catalog struct {
	rules map[ActivityKind]Rule
}

func DefaultCatalog() Catalog {
	rule := func(kind ActivityKind, t points.TransactionType) Rule {
		return Rule{Kind: kind, Type: t, Points: t.DefaultPoints()}
	}
	rules := []Rule{
		rule(ActivityPostCreated, points.TxPostCreate),
		rule(ActivityPostPublished, points.TxPostPublished),
		rule(ActivityCommentCreated, points.TxCommentCreate),
		{Kind: ActivityPostLiked, Type: points.TxPostLiked, Points: points.TxPostLiked.DefaultPoints(), Unique: true, NoSelf: true},
		{Kind: ActivityCommentLiked, Type: points.TxCommentLiked, Points: points.TxCommentLiked.DefaultPoints(), Unique: true, NoSelf: true},
		{Kind: ActivityPostScrapped, Type: points.TxPostScrapped, Points: points.TxPostScrapped.DefaultPoints(), Unique: true, NoSelf: true},
		{Kind: ActivityDailyLogin, Type: points.TxDailyLogin, Points: points.TxDailyLogin.DefaultPoints(), Unique: true},
		rule(ActivityPostDeleted, points.TxPostDelete),
		rule(ActivityCommentDeleted, points.TxCommentDelete),
		rule(ActivitySpamConfirmed, points.TxSpamPenalty),
		rule(ActivityReportConfirmed, points.TxReportPenalty),
		rule(ActivityEventBonus, points.TxEventBonus),
		rule(ActivityPenaltyReversed, points.TxPenaltyReversal),
	}

	c := Catalog{rules: make(map[ActivityKind]Rule, len(rules))}
	for _, r := range rules {
		c.rules[r.Kind] = r
	}
	return c
}

// Rule returns the rule for kind.
func (c Catalog) Rule(kind ActivityKind) (Rule, bool) {
	r, ok := c.rules[kind]
	return r, ok
}

// Rules returns every rule sorted by kind.
func (c Catalog) Rules() []Rule {
	out := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// WithPoints sets the amount of every rule writing type t.
func (c Catalog) WithPoints(t points.TransactionType, amount int64) Catalog {
	next := Catalog{rules: make(map[ActivityKind]Rule, len(c.rules))}
	for k, r := range c.rules {
		if r.Type == t {
			r.Points = amount
		}
		next.rules[k] = r
	}
	return next
}

// Validate rejects rules the ledger would refuse.
func (c Catalog) Validate() error {
	for _, r := range c.rules {
		if !r.Type.Valid() || r.Type.IsAdmin() || r.Type == points.TxPointUse {
			return fmt.Errorf("activity %s: %w: %s", r.Kind, points.ErrInvalidTransactionType, r.Type)
		}
		if r.Points < 0 {
			return fmt.Errorf("activity %s: %w: negative points", r.Kind, points.ErrInvalidAmount)
		}
	}
	return nil
}
