/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Pre-built scenarios that push realistic community activity through the
  awarder and the ledger, so a fresh deployment has balances, levels and
  history to look at. Each scenario owns a range of user ids.

AVAILABLE SCENARIOS:
  new-member:   First login and first post (user 1001)
  cap-day:      Twelve posts in one day; the daily cap truncates the last
                ones to zero-point entries (user 1002)
  overdraft:    A spend larger than the balance is rejected, a smaller one
                succeeds (user 1003)
  admin-clamp:  An admin deduction larger than the balance clamps at zero
                unless the policy allows negatives (user 1004)
  promotion:    An event bonus crosses two level thresholds (user 1005)
  community:    Three members post and like each other; a self like and a
                removed comment are included (users 1006-1008)

HOW SCENARIOS WORK:
  Every step carries a fixed idempotency key or a naturally unique
  activity, so loading a scenario twice on the same day writes nothing
  new: repeated steps report "duplicate". Daily logins pay again on a
  new day. Nothing is reset or deleted.

USAGE VIA API:
  POST /api/admin/points/scenarios/load
  {"scenario_id": "cap-day"}

USAGE VIA CLI:
  points-ledger seed cap-day

SEE ALSO:
  - handlers.go: ListScenarios, LoadScenario handlers
  - rewards/awarder.go: Activity handling
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/rewards"
)

// ErrUnknownScenario is returned for ids not in the scenario list.
var ErrUnknownScenario = errors.New("unknown scenario")

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Users       []points.UserID `json:"users"`
}

// StepOutcome is what happened to one scenario step.
type StepOutcome struct {
	Label  string `json:"label"`
	Status string `json:"status"` // applied, duplicate, rejected
	Points int64  `json:"points"`
	Error  string `json:"error,omitempty"`
}

type ScenarioReport struct {
	Scenario ScenarioDTO   `json:"scenario"`
	Steps    []StepOutcome `json:"steps"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioEnv struct {
	ledger  *points.Ledger
	awarder *rewards.Awarder
	id      string
}

func (e scenarioEnv) key(label string) string { return "scenario:" + e.id + ":" + label }

func (e scenarioEnv) activity(ctx context.Context, label string, ev rewards.ActivityEvent) (points.Result, error) {
	if ev.EventID == "" {
		ev.EventID = e.key(label)
	}
	return e.awarder.Handle(ctx, ev)
}

type scenarioStep struct {
	label string
	run   func(ctx context.Context, env scenarioEnv) (points.Result, error)

	// expect is an error the step is meant to provoke.
	expect error
}

type scenario struct {
	ScenarioDTO
	steps []scenarioStep
}

func activityStep(label string, ev rewards.ActivityEvent) scenarioStep {
	return scenarioStep{label: label, run: func(ctx context.Context, env scenarioEnv) (points.Result, error) {
		return env.activity(ctx, label, ev)
	}}
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "new-member",
			Name:        "New Member",
			Description: "First login and first post",
			Users:       []points.UserID{1001},
		},
		steps: []scenarioStep{
			activityStep("login", rewards.ActivityEvent{UserID: 1001, Kind: rewards.ActivityDailyLogin}),
			activityStep("post-1", rewards.ActivityEvent{UserID: 1001, Kind: rewards.ActivityPostCreated, ReferenceID: "9001", ReferenceType: "post"}),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cap-day",
			Name:        "Daily Cap",
			Description: "Twelve posts in one day; the cap truncates the tail to zero-point entries",
			Users:       []points.UserID{1002},
		},
		steps: capDaySteps(1002, 12),
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overdraft",
			Name:        "Overdraft",
			Description: "A spend above the available balance is rejected; a smaller one succeeds",
			Users:       []points.UserID{1003},
		},
		steps: []scenarioStep{
			activityStep("post-1", rewards.ActivityEvent{UserID: 1003, Kind: rewards.ActivityPostCreated, ReferenceID: "9301", ReferenceType: "post"}),
			activityStep("comment-1", rewards.ActivityEvent{UserID: 1003, Kind: rewards.ActivityCommentCreated, ReferenceID: "9302", ReferenceType: "comment"}),
			{
				label:  "spend-50",
				expect: points.ErrInsufficientPoints,
				run: func(ctx context.Context, env scenarioEnv) (points.Result, error) {
					return env.ledger.Spend(ctx, points.SpendRequest{UserID: 1003, Points: 50, IdempotencyKey: env.key("spend-50")})
				},
			},
			{
				label: "spend-10",
				run: func(ctx context.Context, env scenarioEnv) (points.Result, error) {
					return env.ledger.Spend(ctx, points.SpendRequest{
						UserID: 1003, Points: 10, ReferenceID: "badge-7", ReferenceType: "shop_item",
						IdempotencyKey: env.key("spend-10"),
					})
				},
			},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "admin-clamp",
			Name:        "Admin Clamp",
			Description: "An admin deduction of 500 against a balance of 100",
			Users:       []points.UserID{1004},
		},
		steps: []scenarioStep{
			activityStep("bonus", rewards.ActivityEvent{UserID: 1004, Kind: rewards.ActivityEventBonus, Points: 100, Description: "Welcome event"}),
			{
				label: "deduct-500",
				run: func(ctx context.Context, env scenarioEnv) (points.Result, error) {
					return env.ledger.AdminAdjust(ctx, points.AdjustRequest{
						UserID: 1004, AdminID: 1, Points: -500, Reason: "Chargeback of misissued bonus",
						IdempotencyKey: env.key("deduct-500"),
					})
				},
			},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "promotion",
			Name:        "Promotion",
			Description: "A 600 point event bonus moves a new member to level 3",
			Users:       []points.UserID{1005},
		},
		steps: []scenarioStep{
			activityStep("bonus", rewards.ActivityEvent{UserID: 1005, Kind: rewards.ActivityEventBonus, Points: 600, Description: "Hackathon winner"}),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "community",
			Name:        "Community",
			Description: "Three members post, comment and like each other; one self like, one removed comment",
			Users:       []points.UserID{1006, 1007, 1008},
		},
		steps: []scenarioStep{
			activityStep("post-a", rewards.ActivityEvent{UserID: 1006, Kind: rewards.ActivityPostCreated, ReferenceID: "9601", ReferenceType: "post"}),
			activityStep("publish-a", rewards.ActivityEvent{UserID: 1006, Kind: rewards.ActivityPostPublished, ReferenceID: "9601", ReferenceType: "post"}),
			activityStep("post-b", rewards.ActivityEvent{UserID: 1007, Kind: rewards.ActivityPostCreated, ReferenceID: "9602", ReferenceType: "post"}),
			activityStep("comment-c", rewards.ActivityEvent{UserID: 1008, Kind: rewards.ActivityCommentCreated, ReferenceID: "9603", ReferenceType: "comment"}),
			activityStep("like-a-by-b", rewards.ActivityEvent{UserID: 1006, Kind: rewards.ActivityPostLiked, ReferenceID: "9601", ReferenceType: "post", ActorID: 1007}),
			activityStep("like-a-by-c", rewards.ActivityEvent{UserID: 1006, Kind: rewards.ActivityPostLiked, ReferenceID: "9601", ReferenceType: "post", ActorID: 1008}),
			activityStep("scrap-a-by-c", rewards.ActivityEvent{UserID: 1006, Kind: rewards.ActivityPostScrapped, ReferenceID: "9601", ReferenceType: "post", ActorID: 1008}),
			{
				label:  "self-like-b",
				expect: rewards.ErrSelfAction,
				run: func(ctx context.Context, env scenarioEnv) (points.Result, error) {
					return env.activity(ctx, "self-like-b", rewards.ActivityEvent{
						UserID: 1007, Kind: rewards.ActivityPostLiked, ReferenceID: "9602", ReferenceType: "post", ActorID: 1007,
					})
				},
			},
			activityStep("delete-c", rewards.ActivityEvent{UserID: 1008, Kind: rewards.ActivityCommentDeleted, ReferenceID: "9603", ReferenceType: "comment", ActorID: 1}),
		},
	},
}

func capDaySteps(user points.UserID, posts int) []scenarioStep {
	steps := make([]scenarioStep, posts)
	for i := range steps {
		label := fmt.Sprintf("post-%02d", i+1)
		steps[i] = activityStep(label, rewards.ActivityEvent{
			UserID:        user,
			Kind:          rewards.ActivityPostCreated,
			ReferenceID:   fmt.Sprintf("92%02d", i+1),
			ReferenceType: "post",
		})
	}
	return steps
}

// Scenarios lists the loadable scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	return out
}

// LoadScenario runs every step of a scenario. Expected rejections and
// duplicates are reported in the outcome; any other error stops the load.
func LoadScenario(ctx context.Context, ledger *points.Ledger, awarder *rewards.Awarder, id string) (ScenarioReport, error) {
	var sc *scenario
	for i := range scenarios {
		if scenarios[i].ID == id {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		return ScenarioReport{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	env := scenarioEnv{ledger: ledger, awarder: awarder, id: id}
	report := ScenarioReport{Scenario: sc.ScenarioDTO}
	for _, step := range sc.steps {
		res, err := step.run(ctx, env)
		out := StepOutcome{Label: step.label, Status: "applied", Points: res.Entry.Points}
		switch {
		case err == nil:
		case errors.Is(err, points.ErrDuplicateIdempotencyKey):
			out.Status = "duplicate"
		case step.expect != nil && errors.Is(err, step.expect):
			out.Status = "rejected"
			out.Points = 0
			out.Error = err.Error()
		default:
			return report, fmt.Errorf("scenario %s step %s: %w", id, step.label, err)
		}
		report.Steps = append(report.Steps, out)
	}
	return report, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/admin/points/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// LoadScenario loads a predefined scenario.
// POST /api/admin/points/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := LoadScenario(r.Context(), h.Ledger, h.Awarder, req.ScenarioID)
	if errors.Is(err, ErrUnknownScenario) {
		writeError(w, http.StatusNotFound, "Scenario not found", err)
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, report)
}
