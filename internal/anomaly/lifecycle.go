package anomaly

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
)

// AnonymousAuthor names comment authors when no actor is known.
const AnonymousAuthor = "System/Anonymous"

const commentRetries = 3

// Store is the persistence the lifecycle manager needs.
type Store interface {
	GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error)
	UpdateAnomaly(ctx context.Context, a *domain.Anomaly) error
}

// TransitionRequest is a status change with optional resolution details.
type TransitionRequest struct {
	Status     domain.AnomalyStatus
	Notes      *string
	ResolvedAt *time.Time
}

// Result describes a lifecycle mutation. Before and After are equal when
// Changed is false.
type Result struct {
	Before  *domain.Anomaly
	After   *domain.Anomaly
	Changed bool
}

// StatusChanged reports whether the status moved.
func (r *Result) StatusChanged() bool {
	return r.Changed && r.Before.Status != r.After.Status
}

// Closed reports whether this mutation moved the anomaly into a closed status.
func (r *Result) Closed() bool {
	return r.StatusChanged() && r.After.Status.Closed()
}

// Manager enforces the anomaly state machine and its resolution side effects.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves an anomaly to req.Status.
func (m *Manager) Transition(ctx context.Context, id string, req TransitionRequest, actor *domain.Actor) (*Result, error) {
	status := req.Status
	return m.Update(ctx, id, domain.AnomalyPatch{
		Status:          &status,
		ResolutionNotes: req.Notes,
		ResolvedAt:      req.ResolvedAt,
	}, actor)
}

// Update applies an analyst edit. A patch that changes nothing is a no-op:
// nothing is written and UpdatedAt stays put.
func (m *Manager) Update(ctx context.Context, id string, patch domain.AnomalyPatch, actor *domain.Actor) (*Result, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	current, err := m.store.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}

	next, changed, err := m.apply(current, patch, actor)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Result{Before: current, After: current}, nil
	}

	if err := m.store.UpdateAnomaly(ctx, next); err != nil {
		return nil, err
	}

	return &Result{Before: current, After: next, Changed: true}, nil
}

// AddComment appends a comment without touching status. Concurrent edits are
// retried since appends commute.
func (m *Manager) AddComment(ctx context.Context, id, text string, actor *domain.Actor) (*domain.Anomaly, *domain.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, domain.Invalid("text", "must not be empty")
	}

	comment := domain.Comment{
		ID:         uuid.New().String(),
		Text:       text,
		AuthorName: AnonymousAuthor,
		Timestamp:  m.now(),
	}
	if actor != nil {
		comment.AuthorID = actor.UserID
		switch {
		case actor.Username != "":
			comment.AuthorName = actor.Username
		case actor.UserID != "":
			comment.AuthorName = actor.UserID
		}
	}

	var err error
	for attempt := 0; attempt < commentRetries; attempt++ {
		var current *domain.Anomaly
		current, err = m.store.GetAnomaly(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		next := current.Clone()
		next.Comments = append(next.Comments, comment)

		err = m.store.UpdateAnomaly(ctx, next)
		if err == nil {
			return next, &comment, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, nil, err
		}
	}
	return nil, nil, err
}

func validatePatch(p domain.AnomalyPatch) error {
	if p.Status != nil && !p.Status.Valid() {
		return domain.Invalid("status", "unknown value %q", *p.Status)
	}
	if p.Severity != nil && !p.Severity.Valid() {
		return domain.Invalid("severity", "unknown value %q", *p.Severity)
	}
	if p.RuleName != nil && strings.TrimSpace(*p.RuleName) == "" {
		return domain.Invalid("ruleName", "must not be empty")
	}
	return nil
}

// apply computes the post-edit anomaly and whether anything changed.
func (m *Manager) apply(current *domain.Anomaly, p domain.AnomalyPatch, actor *domain.Actor) (*domain.Anomaly, bool, error) {
	next := current.Clone()
	changed := false

	target := current.Status
	if p.Status != nil {
		target = *p.Status
	}

	if !target.Closed() && (p.ResolutionNotes != nil || p.ResolvedAt != nil) {
		return nil, false, domain.Invalid("resolutionNotes", "only allowed when resolving (status %s)", target)
	}

	switch {
	case target.Closed() && target != current.Status:
		resolvedAt := m.now()
		if p.ResolvedAt != nil {
			resolvedAt = p.ResolvedAt.UTC()
		}

		info := &domain.ResolverInfo{
			ResolvedAt: resolvedAt,
			Outcome:    outcome(target),
		}
		if actor != nil && actor.UserID != "" {
			by := actor.UserID
			next.ResolvedBy = &by
			info.UserID = actor.UserID
			info.Username = actor.Username
			info.Role = actor.Role
			info.SourceIP = actor.IPAddress
		} else {
			next.ResolvedBy = nil
			slog.Warn("anomaly closed without an authenticated actor",
				"anomaly_id", current.ID,
				"status", target,
			)
		}

		next.Status = target
		next.ResolvedAt = &resolvedAt
		next.ResolverInfo = info
		next.ResolutionNotes = cloneString(p.ResolutionNotes)
		changed = true

	case target.Closed():
		if p.ResolutionNotes != nil && !equalString(current.ResolutionNotes, p.ResolutionNotes) {
			next.ResolutionNotes = cloneString(p.ResolutionNotes)
			changed = true
		}
		if p.ResolvedAt != nil && (current.ResolvedAt == nil || !current.ResolvedAt.Equal(*p.ResolvedAt)) {
			at := p.ResolvedAt.UTC()
			next.ResolvedAt = &at
			if next.ResolverInfo != nil {
				next.ResolverInfo.ResolvedAt = at
			}
			changed = true
		}

	case target != current.Status:
		next.Status = target
		next.ClearResolution()
		changed = true
	}

	if p.Severity != nil && *p.Severity != current.Severity {
		next.Severity = *p.Severity
		changed = true
	}
	if p.Description != nil && *p.Description != current.Description {
		next.Description = *p.Description
		changed = true
	}
	if p.RuleName != nil && *p.RuleName != current.RuleName {
		next.RuleName = *p.RuleName
		changed = true
	}

	return next, changed, nil
}

func outcome(s domain.AnomalyStatus) string {
	if s == domain.AnomalyFalsePositive {
		return domain.OutcomeMarkedFalsePositive
	}
	return domain.OutcomeConfirmedFraud
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
