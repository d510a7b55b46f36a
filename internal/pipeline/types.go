package pipeline

import (
	"cronpipe/internal/cron"
)

// DefinitionFile is the file looked up in every pipeline directory.
const DefinitionFile = "pipeline.json"

// Pipeline is an immutable, validated pipeline definition.
//
// A reload never mutates a Pipeline; it replaces the catalog entry with a new
// value, so runs keep the snapshot they were dispatched with.
type Pipeline struct {
	ID         string
	Expression string
	Stages     []string
	Jobs       []Job

	// Dir is the absolute pipeline directory; jobs run with it as working dir.
	Dir string
	// Schedule is Expression, parsed.
	Schedule cron.Expression
	// Hash is the FNV-64a hash of the definition file content.
	Hash uint64
}

// Job is a single script invocation within a stage.
type Job struct {
	ID     string
	Stage  string
	Script string
	// Path is Script resolved against the pipeline directory.
	Path string
}

// JobsIn returns the jobs of one stage in declaration order.
func (p *Pipeline) JobsIn(stage string) []Job {
	out := make([]Job, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		if j.Stage == stage {
			out = append(out, j)
		}
	}
	return out
}

// Breadcrumb identifies a job in logs: "<pipeline>/<stage>/<job>".
func (p *Pipeline) Breadcrumb(j Job) string {
	return p.ID + "/" + j.Stage + "/" + j.ID
}

// Diff summarizes what a Refresh changed.
type Diff struct {
	Added   []string
	Updated []string
	Removed []string
	// Errors holds the definition errors observed during this refresh.
	Errors []error
}

// Changed reports whether the set of scheduled pipelines changed.
func (d Diff) Changed() bool {
	return len(d.Added)+len(d.Updated)+len(d.Removed) > 0
}
