package domain

import "encoding/json"

// SchemaVersion is the artifact schema version this build produces and
// accepts. Artifacts tagged with a newer version are rejected.
const SchemaVersion = 1

// Artifact is a JSON document on disk produced by exactly one invocation.
type Artifact struct {
	Path          string          `json:"path"`
	Stage         Stage           `json:"stage,omitempty"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Envelope holds the optional tagging fields every artifact may carry.
type Envelope struct {
	Stage         Stage `json:"stage,omitempty"`
	SchemaVersion int   `json:"schema_version,omitempty"`
}

type CrawlArtifact struct {
	Envelope
	Keyword string           `json:"keyword" validate:"required"`
	Notes   []map[string]any `json:"notes" validate:"required"`
}

type AuditArtifact struct {
	Envelope
	Notes []map[string]any `json:"notes" validate:"required"`
}

type PostArtifact struct {
	Envelope
	Title   string   `json:"title" validate:"required"`
	Content string   `json:"content" validate:"required"`
	Topics  []string `json:"topics,omitempty"`
}

type IllustrationArtifact struct {
	Envelope
	Title     string   `json:"title,omitempty"`
	Content   string   `json:"content,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Source    string   `json:"source,omitempty"`
	OutputDir string   `json:"output_dir,omitempty"`
	Images    []string `json:"images" validate:"required,min=1,dive,required"`
}

type PublishReceipt struct {
	Envelope
	Source string   `json:"source" validate:"required"`
	Images []string `json:"images" validate:"required,min=1"`
	Link   string   `json:"link,omitempty"`
}
