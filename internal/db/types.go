package db

import "time"

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Cache statuses recorded per manifest entry.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Outcome values recorded per manifest entry. A run never continues past a
// non-success outcome; dependency-failure marks stages skipped because an
// upstream stage failed.
const (
	OutcomeSuccess           = "success"
	OutcomeSecurityViolation = "security-violation"
	OutcomeResourceExceeded  = "resource-exceeded"
	OutcomeTimeout           = "timeout"
	OutcomeRuntimeError      = "runtime-error"
	OutcomeDependencyFailure = "dependency-failure"
)

// Run is one pipeline run record.
type Run struct {
	ID             string     `json:"id"`
	Pipeline       string     `json:"pipeline"`
	Status         string     `json:"status"`
	FailedStage    string     `json:"failed_stage,omitempty"`
	FailureOutcome string     `json:"failure_outcome,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ManifestEntry is one immutable provenance row: a single stage attempt
// within a run. Entries are appended in stage-dependency order and never
// edited.
type ManifestEntry struct {
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	StageID     string    `json:"stage_id"`
	CacheStatus string    `json:"cache_status"`
	InputHashes []string  `json:"input_hashes"`
	OutputHash  string    `json:"output_hash,omitempty"`
	ExtraHashes []string  `json:"extra_hashes,omitempty"`
	ModelID     string    `json:"model_id,omitempty"`
	Cost        float64   `json:"cost"`
	DurationMs  int64     `json:"duration_ms"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CacheEntry maps a deterministic stage-input key to a committed output
// artifact hash. Entries reference store content only, never filesystem
// paths.
type CacheEntry struct {
	Key        string    `json:"key"`
	StageID    string    `json:"stage_id"`
	OutputHash string    `json:"output_hash"`
	CreatedAt  time.Time `json:"created_at"`
}
