package fileregistry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/narrator/internal/batch"
)

func TestRegistry_LastRecordWinsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "units.jsonl")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open new file: %v", err)
	}
	if u, _ := r.Get(ctx, "book", "ch1"); u != nil {
		t.Fatalf("empty registry returned %+v", u)
	}

	_ = r.Upsert(ctx, "book", &batch.Unit{ID: "ch1", TextStatus: batch.StatusFailed})
	_ = r.Upsert(ctx, "book", &batch.Unit{ID: "ch1", TextStatus: batch.StatusSuccess, Attempts: 2})
	_ = r.Upsert(ctx, "book", &batch.Unit{ID: "ch0"})
	_ = r.Upsert(ctx, "other", &batch.Unit{ID: "ch1"})

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	u, err := reopened.Get(ctx, "book", "ch1")
	if err != nil || u == nil {
		t.Fatalf("Get = (%v, %v)", u, err)
	}
	if u.TextStatus != batch.StatusSuccess || u.Attempts != 2 {
		t.Errorf("unit = %+v, want the last record", u)
	}

	list, _ := reopened.List(ctx, "book")
	if len(list) != 2 || list[0].ID != "ch0" || list[1].ID != "ch1" {
		t.Errorf("List = %+v", list)
	}

	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "\n"); n != 4 {
		t.Errorf("file has %d lines, want 4 (append-only)", n)
	}
}

func TestOpen_SkipsTornRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "units.jsonl")
	content := `{"collection":"c","unit":{"id":"a","text_status":"success"}}` + "\n" + `{"collection":"c","unit":{"id":"b"`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if u, _ := r.Get(context.Background(), "c", "a"); u == nil || u.TextStatus != batch.StatusSuccess {
		t.Errorf("a = %+v", u)
	}
	if u, _ := r.Get(context.Background(), "c", "b"); u != nil {
		t.Errorf("torn record was loaded: %+v", u)
	}
}

func TestRegistry_WorksWithPipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "units.jsonl")
	r, _ := Open(path)

	p := batch.New(r, nil, nil)
	sum := p.Process(ctx, "c", []*batch.Unit{{ID: "u", Texts: map[string]string{"en": "Hi."}}}, batch.Options{}, func(batch.Event) {})
	if sum.Completed != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	reopened, _ := Open(path)
	u, _ := reopened.Get(ctx, "c", "u")
	if u == nil || u.TextStatus != batch.StatusSuccess || u.SaveStatus != batch.StatusSuccess {
		t.Errorf("persisted unit = %+v", u)
	}
}
