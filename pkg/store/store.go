// Package store persists tasks, messages, and configuration resources.
// Two implementations exist: Postgres for production and in-memory for
// tests and database-less deployments. Both enforce the same semantics:
// frozen terminal task states, dense message sequences, and referential
// integrity between resources.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrTaskTerminal  = errors.New("task already reached a terminal state")
)

// ValidationError reports a rejected write with a field-level reason.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// TaskStore persists task lifecycle state. Terminal statuses are frozen:
// Complete, Fail, and Cancel reject tasks that already finished.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, namespace string, limit int) ([]*models.Task, error)
	// Start moves pending to running and increments the attempt counter.
	Start(ctx context.Context, id string) (*models.Task, error)
	Complete(ctx context.Context, id string) (*models.Task, error)
	Fail(ctx context.Context, id, errMsg string) (*models.Task, error)
	Cancel(ctx context.Context, id string) (*models.Task, error)
	// SetStream records the stream serving this task's events.
	SetStream(ctx context.Context, id, streamID string) error
	SoftDelete(ctx context.Context, id string) error
	// PurgeDeletedBefore permanently removes soft-deleted tasks older
	// than the cutoff, returning the count.
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MessageStore persists conversation turns. Create assigns a dense
// per-(task, thread) sequence: 0, 1, 2, ... with no gaps.
type MessageStore interface {
	Create(ctx context.Context, msg *models.Message) error
	// TaskHistory returns a task's messages in sequence order.
	TaskHistory(ctx context.Context, taskID string) ([]*models.Message, error)
	// ThreadHistory returns a thread's messages across tasks, oldest
	// first, capped at limit (0 means no cap).
	ThreadHistory(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
	// DeleteOlderThan removes messages created before the cutoff,
	// returning the count.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ResourceStore persists configuration resources. (Kind, Namespace, Name)
// is unique among live records; Create validates kind-specific references.
type ResourceStore interface {
	Create(ctx context.Context, res *models.Resource) error
	Get(ctx context.Context, kind models.ResourceKind, namespace, name string) (*models.Resource, error)
	List(ctx context.Context, kind models.ResourceKind, namespace string) ([]*models.Resource, error)
	SoftDelete(ctx context.Context, kind models.ResourceKind, namespace, name string) error
}

// refLookup reports whether a live resource exists.
type refLookup func(ctx context.Context, kind models.ResourceKind, namespace, name string) (bool, error)

// validateResource checks kind validity and referential integrity: a bot
// must reference an existing ghost, model, and shell (plus any skills); a
// team must reference existing bots. References resolve in the resource's
// own namespace.
func validateResource(ctx context.Context, exists refLookup, res *models.Resource) error {
	if !res.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", res.Kind)}
	}
	if res.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if res.Namespace == "" {
		return &ValidationError{Field: "namespace", Message: "namespace is required"}
	}

	switch res.Kind {
	case models.KindBot:
		var spec models.BotSpec
		if err := res.DecodeSpec(&spec); err != nil {
			return &ValidationError{Field: "spec", Message: err.Error()}
		}
		refs := []struct {
			kind models.ResourceKind
			name string
		}{
			{models.KindGhost, spec.Ghost},
			{models.KindModel, spec.Model},
			{models.KindShell, spec.Shell},
		}
		for _, skill := range spec.Skills {
			refs = append(refs, struct {
				kind models.ResourceKind
				name string
			}{models.KindSkill, skill})
		}
		for _, ref := range refs {
			if ref.name == "" {
				return &ValidationError{Field: "spec." + string(ref.kind), Message: "reference is required"}
			}
			ok, err := exists(ctx, ref.kind, res.Namespace, ref.name)
			if err != nil {
				return err
			}
			if !ok {
				return &ValidationError{
					Field:   "spec." + string(ref.kind),
					Message: fmt.Sprintf("%s %q not found in namespace %q", ref.kind, ref.name, res.Namespace),
				}
			}
		}

	case models.KindTeam:
		var spec models.TeamSpec
		if err := res.DecodeSpec(&spec); err != nil {
			return &ValidationError{Field: "spec", Message: err.Error()}
		}
		if len(spec.Bots) == 0 {
			return &ValidationError{Field: "spec.bots", Message: "a team needs at least one bot"}
		}
		for _, bot := range spec.Bots {
			ok, err := exists(ctx, models.KindBot, res.Namespace, bot)
			if err != nil {
				return err
			}
			if !ok {
				return &ValidationError{
					Field:   "spec.bots",
					Message: fmt.Sprintf("bot %q not found in namespace %q", bot, res.Namespace),
				}
			}
		}
	}
	return nil
}
