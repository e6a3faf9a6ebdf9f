package progress

import "github.com/raphaelgruber/kg/internal/jobs"

// StageDef declares one stage of a job type.
type StageDef struct {
	Name    string   // match key, already normalized
	Label   string   // display label
	Aliases []string // other keys the server may use for this stage
}

var ingestionStages = []StageDef{
	{Name: "queued", Label: "Waiting for worker", Aliases: []string{"approved", "pending"}},
	{Name: "chunking", Label: "Chunking document", Aliases: []string{"splitting"}},
	{Name: "extracting", Label: "Extracting concepts", Aliases: []string{"extraction", "llm_extraction"}},
	{Name: "embedding", Label: "Generating embeddings", Aliases: []string{"embeddings"}},
	{Name: "storing", Label: "Writing to graph", Aliases: []string{"upserting", "saving"}},
}

var restoreStages = []StageDef{
	{Name: "checkpoint", Label: "Creating checkpoint", Aliases: []string{"creating_checkpoint"}},
	{Name: "loading_backup", Label: "Loading backup", Aliases: []string{"loading"}},
	{Name: "restoring_concepts", Label: "Restoring concepts"},
	{Name: "restoring_sources", Label: "Restoring sources"},
	{Name: "restoring_instances", Label: "Restoring instances"},
	{Name: "restoring_relationships", Label: "Restoring relationships"},
	{Name: "restoring_evidence", Label: "Restoring evidence"},
}

var backupStages = []StageDef{
	{Name: "collecting", Label: "Collecting graph data"},
	{Name: "writing", Label: "Writing backup"},
}

// StagesFor returns the declared stages for a job type in fixed domain
// order, or nil for types without a declaration.
func StagesFor(jobType string) []StageDef {
	switch jobType {
	case jobs.TypeIngestion:
		return ingestionStages
	case jobs.TypeRestore:
		return restoreStages
	case jobs.TypeBackup:
		return backupStages
	default:
		return nil
	}
}

// ForJobType builds an aggregator with the declared stages for jobType, or a
// dynamic one when the type has none.
func ForJobType(jobType string) *Aggregator {
	return NewAggregator(StagesFor(jobType))
}
