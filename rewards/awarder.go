package rewards

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/points"
)

// Writer is the part of points.Ledger an Awarder needs.
type Writer interface {
	Credit(ctx context.Context, req points.CreditRequest) (points.Result, error)
	Deduct(ctx context.Context, req points.DeductRequest) (points.Result, error)
	Policy() points.Policy
}

var _ Writer = (*points.Ledger)(nil)

// Awarder applies ActivityEvents to a ledger.
type Awarder struct {
	ledger  Writer
	catalog Catalog
	clock   points.Clock
	log     logrus.FieldLogger
}

type AwarderOption func(*Awarder)

// WithAwarderClock sets the clock used for daily login keys.
func WithAwarderClock(c points.Clock) AwarderOption {
	return func(a *Awarder) { a.clock = c }
}

func WithAwarderLogger(log logrus.FieldLogger) AwarderOption {
	return func(a *Awarder) { a.log = log }
}

func NewAwarder(ledger Writer, catalog Catalog, opts ...AwarderOption) *Awarder {
	a := &Awarder{
		ledger:  ledger,
		catalog: catalog,
		clock:   points.SystemClock{},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Awarder) Catalog() Catalog { return a.catalog }

// Handle writes the ledger entry for ev. A redelivered event returns the
// ledger's *points.DuplicateError together with the original entry.
func (a *Awarder) Handle(ctx context.Context, ev ActivityEvent) (points.Result, error) {
	if err := ev.Validate(); err != nil {
		return points.Result{}, err
	}
	rule, ok := a.catalog.Rule(ev.Kind)
	if !ok {
		return points.Result{}, fmt.Errorf("%w: %s", ErrUnknownActivity, ev.Kind)
	}
	if rule.NoSelf && ev.ActorID == ev.UserID {
		return points.Result{}, fmt.Errorf("%w: user %d on %s %s", ErrSelfAction, ev.UserID, ev.ReferenceType, ev.ReferenceID)
	}
	if rule.Unique && ev.Kind != ActivityDailyLogin && ev.ReferenceID == "" && ev.EventID == "" {
		return points.Result{}, fmt.Errorf("%w: %s", ErrMissingReference, ev.Kind)
	}

	amount := rule.Points
	if ev.Points > 0 && rule.Type.Category() == points.CategoryGrant {
		amount = ev.Points
	}
	key := a.IdempotencyKey(ev, rule)
	description := ev.Description
	if description == "" {
		description = rule.Type.Description()
	}

	entry := a.log.WithFields(logrus.Fields{
		"user_id": ev.UserID,
		"kind":    ev.Kind,
		"type":    rule.Type,
		"points":  amount,
	})

	var (
		res points.Result
		err error
	)
	if rule.Type.IsDeduct() {
		res, err = a.ledger.Deduct(ctx, points.DeductRequest{
			UserID:         ev.UserID,
			Points:         amount,
			Type:           rule.Type,
			ReferenceID:    ev.ReferenceID,
			ReferenceType:  ev.ReferenceType,
			Description:    description,
			IdempotencyKey: key,
		})
	} else {
		res, err = a.ledger.Credit(ctx, points.CreditRequest{
			UserID:         ev.UserID,
			Points:         amount,
			Type:           rule.Type,
			ReferenceID:    ev.ReferenceID,
			ReferenceType:  ev.ReferenceType,
			Description:    description,
			IdempotencyKey: key,
		})
	}
	if err != nil {
		entry.WithError(err).Debug("activity not applied")
		return res, err
	}
	entry.WithField("applied", res.Applied()).Debug("activity applied")
	return res, nil
}

// IdempotencyKey derives the key Handle uses for ev. Events carrying an
// EventID use it directly. Unique activities key on actor and reference so
// the same like delivered under two event ids still pays once.
func (a *Awarder) IdempotencyKey(ev ActivityEvent, rule Rule) string {
	switch {
	case ev.Kind == ActivityDailyLogin:
		today := a.ledger.Policy().Today(a.clock.Now())
		return fmt.Sprintf("%s:%d:%s", ev.Kind, ev.UserID, today)
	case rule.Unique && ev.ReferenceID != "":
		return fmt.Sprintf("%s:%d:%s:%s:%d", ev.Kind, ev.UserID, ev.ReferenceType, ev.ReferenceID, ev.ActorID)
	case ev.EventID != "":
		return "event:" + ev.EventID
	default:
		return ""
	}
}
