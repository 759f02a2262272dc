package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestQueueDocument_Enqueue(t *testing.T) {
	var doc QueueDocument
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := doc.Enqueue(json.RawMessage(`{"dataset":"a"}`), now)
	second := doc.Enqueue(json.RawMessage(`{"dataset":"b"}`), now)

	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", first.ID, second.ID)
	}
	if first.Status != JobStatusPending {
		t.Errorf("status = %q, want PENDING", first.Status)
	}
	if len(doc.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(doc.Entries))
	}
}

func TestQueueDocument_NextIDAfterRemove(t *testing.T) {
	var doc QueueDocument
	now := time.Now()
	doc.Enqueue(nil, now)
	doc.Enqueue(nil, now)
	doc.Enqueue(nil, now)

	if !doc.Remove(2) {
		t.Fatal("Remove(2) = false, want true")
	}
	if doc.Remove(2) {
		t.Error("second Remove(2) = true, want false")
	}
	// Ids are never reused while a higher id exists.
	if got := doc.NextID(); got != 4 {
		t.Errorf("NextID() = %d, want 4", got)
	}
}

func TestQueueDocument_Selection(t *testing.T) {
	doc := QueueDocument{Entries: []JobEntry{
		{ID: 1, Status: JobStatusSucceeded},
		{ID: 2, Status: JobStatusPending},
		{ID: 3, Status: JobStatusPending},
	}}

	if doc.InFlight() != nil {
		t.Error("InFlight() should be nil")
	}
	if p := doc.FirstPending(); p == nil || p.ID != 2 {
		t.Fatalf("FirstPending() = %+v, want id 2", p)
	}

	doc.Entries[2].Status = JobStatusRunning
	if f := doc.InFlight(); f == nil || f.ID != 3 {
		t.Errorf("InFlight() = %+v, want id 3", f)
	}

	// Returned pointers alias the document.
	doc.FirstPending().Message = "touched"
	if doc.Entries[1].Message != "touched" {
		t.Error("FirstPending should return a pointer into Entries")
	}
}

func TestQueueDocument_CloneIsDeep(t *testing.T) {
	doc := &QueueDocument{
		QueueRunning: true,
		Revision:     "3",
		Entries:      []JobEntry{{ID: 1, Params: json.RawMessage(`{"x":1}`)}},
	}
	c := doc.Clone()
	c.Entries[0].Params[2] = 'y'
	c.Entries[0].Status = JobStatusFailed

	if string(doc.Entries[0].Params) != `{"x":1}` {
		t.Errorf("original params mutated: %s", doc.Entries[0].Params)
	}
	if doc.Entries[0].Status != "" {
		t.Errorf("original status mutated: %q", doc.Entries[0].Status)
	}
	if c.Revision != "3" {
		t.Errorf("clone revision = %q, want 3", c.Revision)
	}
}

func TestQueueDocument_JSONShape(t *testing.T) {
	doc := QueueDocument{
		QueueRunning: true,
		Revision:     "9",
		Entries: []JobEntry{{
			ID:            1,
			Params:        json.RawMessage(`{"dataset":"a"}`),
			Status:        JobStatusLaunching,
			ExecutionName: "exec-1",
			GCSPrefix:     "runs/exec-1",
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"queue_running":true`, `"execution_name":"exec-1"`, `"gcs_prefix":"runs/exec-1"`, `"params":{"dataset":"a"}`, `"retry_count":0`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "Revision") || strings.Contains(s, `"9"`) {
		t.Errorf("revision must not be serialized: %s", s)
	}
}

func TestTickResult_JSON(t *testing.T) {
	data, _ := json.Marshal(TickResult{OK: true, Message: "Launched", Changed: true})
	want := `{"ok":true,"message":"Launched","changed":true}`
	if string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}
}
