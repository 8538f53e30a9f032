/*
Package rewards maps community activity to ledger writes.

PURPOSE:
  The ledger only knows transaction types and amounts. This package knows
  what a community event is worth: a new post, a like, a daily login, a
  confirmed spam report. An Awarder turns an ActivityEvent into the right
  Credit or Deduct call with a stable idempotency key, so a redelivered
  event never pays twice.

ACTIVITY KINDS:
  post_created      -> POST_CREATE       (earn)
  post_published    -> POST_PUBLISHED    (earn)
  comment_created   -> COMMENT_CREATE    (earn)
  post_liked        -> POST_LIKED        (earn, once per liker and post)
  comment_liked     -> COMMENT_LIKED     (earn, once per liker and comment)
  post_scrapped     -> POST_SCRAPPED     (earn, once per scrapper and post)
  daily_login       -> DAILY_LOGIN       (earn, once per user and day)
  post_deleted      -> POST_DELETE       (deduct)
  comment_deleted   -> COMMENT_DELETE    (deduct)
  spam_confirmed    -> SPAM_PENALTY      (deduct)
  report_confirmed  -> REPORT_PENALTY    (deduct)
  event_bonus       -> EVENT_BONUS       (grant, bypasses the daily cap)
  penalty_reversed  -> PENALTY_REVERSAL  (grant)

SELF ACTIONS:
  Likes and scraps of your own content earn nothing. Handle returns
  ErrSelfAction and writes no entry.

SEE ALSO:
  - catalog.go: Rule table and overrides
  - awarder.go: Event handling
  - points/types.go: Transaction types and default points
*/
package rewards

import (
	"errors"
	"fmt"

	"github.com/warp/points-ledger/points"
)

// ActivityKind names a community event.
type ActivityKind string

const (
	ActivityPostCreated     ActivityKind = "post_created"
	ActivityPostPublished   ActivityKind = "post_published"
	ActivityCommentCreated  ActivityKind = "comment_created"
	ActivityPostLiked       ActivityKind = "post_liked"
	ActivityCommentLiked    ActivityKind = "comment_liked"
	ActivityPostScrapped    ActivityKind = "post_scrapped"
	ActivityDailyLogin      ActivityKind = "daily_login"
	ActivityPostDeleted     ActivityKind = "post_deleted"
	ActivityCommentDeleted  ActivityKind = "comment_deleted"
	ActivitySpamConfirmed   ActivityKind = "spam_confirmed"
	ActivityReportConfirmed ActivityKind = "report_confirmed"
	ActivityEventBonus      ActivityKind = "event_bonus"
	ActivityPenaltyReversed ActivityKind = "penalty_reversed"
)

var (
	// ErrUnknownActivity is returned for kinds missing from the catalog.
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrSelfAction is returned when a user reacts to their own content.
	ErrSelfAction = errors.New("self action earns no points")

	// ErrMissingReference is returned when a unique activity has no reference id.
	ErrMissingReference = errors.New("activity requires a reference id")

	// ErrInvalidEvent is returned for malformed events.
	ErrInvalidEvent = errors.New("invalid activity event")
)

// ActivityEvent is one community event affecting UserID's points.
type ActivityEvent struct {
	// UserID receives (or loses) the points.
	UserID points.UserID `json:"user_id"`
	Kind   ActivityKind  `json:"kind"`

	// ReferenceID/ReferenceType identify the post or comment.
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`

	// ActorID is who acted (the liker, the moderator). Zero when the
	// recipient acted.
	ActorID points.UserID `json:"actor_id,omitempty"`

	// Points overrides the catalog amount. Only honoured for grants.
	Points int64 `json:"points,omitempty"`

	// EventID is the upstream delivery id. When set it is the idempotency key.
	EventID string `json:"event_id,omitempty"`

	Description string `json:"description,omitempty"`
}

// Validate checks the event shape without consulting the catalog.
func (e ActivityEvent) Validate() error {
	if e.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrUnknownActivity)
	}
	if e.Points < 0 {
		return fmt.Errorf("%w: negative points override", ErrInvalidEvent)
	}
	return nil
}
