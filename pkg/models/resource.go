package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceKind classifies configuration resources. A bot composes a ghost
// (persona and system prompt), a model (provider binding), a shell
// (execution environment), and zero or more skills (tool groups); a team
// groups bots.
type ResourceKind string

const (
	KindGhost ResourceKind = "ghost"
	KindModel ResourceKind = "model"
	KindShell ResourceKind = "shell"
	KindBot   ResourceKind = "bot"
	KindTeam  ResourceKind = "team"
	KindSkill ResourceKind = "skill"
)

// Valid reports whether the kind is one of the known values.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindGhost, KindModel, KindShell, KindBot, KindTeam, KindSkill:
		return true
	}
	return false
}

// Resource is one configuration record. (Kind, Namespace, Name) is unique
// among live resources; Spec is the kind-specific body kept as raw JSON.
type Resource struct {
	ID        string          `json:"id"`
	Kind      ResourceKind    `json:"kind"`
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Spec      json.RawMessage `json:"spec"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := *r
	if r.Spec != nil {
		out.Spec = append(json.RawMessage(nil), r.Spec...)
	}
	out.DeletedAt = cloneTime(r.DeletedAt)
	return &out
}

// BotSpec is the spec body of a bot resource: references to the resources
// it composes plus run tuning.
type BotSpec struct {
	Ghost         string   `json:"ghost"`
	Model         string   `json:"model"`
	Shell         string   `json:"shell"`
	Skills        []string `json:"skills,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
}

// GhostSpec is the spec body of a ghost resource.
type GhostSpec struct {
	SystemPrompt string `json:"system_prompt"`
	Description  string `json:"description,omitempty"`
}

// ModelSpec is the spec body of a model resource.
type ModelSpec struct {
	Provider  string `json:"provider"` // "anthropic" or "openai-compatible"
	ModelID   string `json:"model_id"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// TeamSpec is the spec body of a team resource.
type TeamSpec struct {
	Bots []string `json:"bots"`
}

// DecodeSpec unmarshals the resource spec into out.
func (r *Resource) DecodeSpec(out any) error {
	if len(r.Spec) == 0 {
		return fmt.Errorf("resource %s/%s: empty spec", r.Kind, r.Name)
	}
	if err := json.Unmarshal(r.Spec, out); err != nil {
		return fmt.Errorf("resource %s/%s: decode spec: %w", r.Kind, r.Name, err)
	}
	return nil
}
