package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cronpipe/internal/cron"
)

const validDef = `{
  "id": "etl",
  "expression": "30 0,4 * * *",
  "stages": ["extract", "load"],
  "jobs": [
    {"id": "pull-a", "stage": "extract", "script": "extract/a.sh"},
    {"id": "pull-b", "stage": "extract", "script": "extract/b.sh"},
    {"id": "push", "stage": "load", "script": "load.sh"}
  ]
}`

func TestDecodeValid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p, err := Decode(dir, []byte(validDef))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if p.ID != "etl" || len(p.Stages) != 2 || len(p.Jobs) != 3 {
		t.Fatalf("unexpected pipeline: %+v", p)
	}
	if want := filepath.Join(dir, "extract", "a.sh"); p.Jobs[0].Path != want {
		t.Fatalf("job path = %q, want %q", p.Jobs[0].Path, want)
	}
	if p.Hash == 0 {
		t.Fatal("hash should be set")
	}
	at := time.Date(2024, 3, 11, 4, 30, 0, 0, time.UTC)
	if !p.Schedule.Matches(at) {
		t.Fatal("schedule should match 04:30")
	}
	if got := p.JobsIn("extract"); len(got) != 2 || got[0].ID != "pull-a" || got[1].ID != "pull-b" {
		t.Fatalf("JobsIn(extract) = %+v", got)
	}
	if got := p.Breadcrumb(p.Jobs[2]); got != "etl/load/push" {
		t.Fatalf("Breadcrumb = %q", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		kind ErrorKind
	}{
		{"not json", `{`, KindDecode},
		{"wrong type", `{"id": 1}`, KindDecode},
		{"unknown field", `{"id":"a","expression":"* * * * *","stages":["s"],"jobs":[],"extra":true}`, KindDecode},
		{"trailing data", `{"id":"a","expression":"* * * * *","stages":["s"],"jobs":[]} {}`, KindDecode},
		{"missing id", `{"expression":"* * * * *","stages":["s"],"jobs":[]}`, KindValidate},
		{"id with slash", `{"id":"a/b","expression":"* * * * *","stages":["s"],"jobs":[]}`, KindValidate},
		{"missing stages", `{"id":"a","expression":"* * * * *","jobs":[]}`, KindValidate},
		{"duplicate stage", `{"id":"a","expression":"* * * * *","stages":["s","s"],"jobs":[]}`, KindValidate},
		{"undeclared stage", `{"id":"a","expression":"* * * * *","stages":["s"],"jobs":[{"id":"j","stage":"t","script":"x.sh"}]}`, KindValidate},
		{"duplicate job", `{"id":"a","expression":"* * * * *","stages":["s"],"jobs":[{"id":"j","stage":"s","script":"x.sh"},{"id":"j","stage":"s","script":"y.sh"}]}`, KindValidate},
		{"missing script", `{"id":"a","expression":"* * * * *","stages":["s"],"jobs":[{"id":"j","stage":"s","script":""}]}`, KindValidate},
		{"absolute script", `{"id":"a","expression":"* * * * *","stages":["s"],"jobs":[{"id":"j","stage":"s","script":"/bin/true"}]}`, KindValidate},
		{"bad expression", `{"id":"a","expression":"61 * * * *","stages":["s"],"jobs":[]}`, KindExpression},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(t.TempDir(), []byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			var de *DefinitionError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DefinitionError, got %T: %v", err, err)
			}
			if de.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s (%v)", de.Kind, tt.kind, err)
			}
			if !errors.Is(err, ErrDefinition) {
				t.Fatal("error should wrap ErrDefinition")
			}
		})
	}
}

func TestDecodeEmptyPipeline(t *testing.T) {
	t.Parallel()
	p, err := Decode(t.TempDir(), []byte(`{"id":"noop","expression":"* * * * *","stages":[],"jobs":[]}`))
	if err != nil {
		t.Fatalf("empty pipeline rejected: %v", err)
	}
	if len(p.Stages) != 0 || len(p.Jobs) != 0 {
		t.Fatalf("pipeline = %+v", p)
	}
}

func TestDecodeExpressionErrorWrapsCron(t *testing.T) {
	t.Parallel()
	_, err := Decode(t.TempDir(), []byte(`{"id":"a","expression":"* * * * 0","stages":["s"],"jobs":[]}`))
	if !errors.Is(err, cron.ErrInvalidExpression) {
		t.Fatalf("expected cron.ErrInvalidExpression in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "weekday") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestLoadDirMissingDefinition(t *testing.T) {
	t.Parallel()
	_, err := LoadDir(t.TempDir())
	var de *DefinitionError
	if !errors.As(err, &de) || de.Kind != KindRead {
		t.Fatalf("expected read DefinitionError, got %v", err)
	}
}
