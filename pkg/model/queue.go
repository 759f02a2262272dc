package model

import (
	"encoding/json"
	"time"
)

// JobEntry is one training job in a queue document.
type JobEntry struct {
	ID            int             `json:"id"`
	Params        json.RawMessage `json:"params,omitempty"`
	Status        JobStatus       `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	ExecutionName string          `json:"execution_name,omitempty"`
	GCSPrefix     string          `json:"gcs_prefix,omitempty"`
	Message       string          `json:"message,omitempty"`
	RetryCount    int             `json:"retry_count"`
}

// SetStatus moves the entry to st and stamps the change time.
func (e *JobEntry) SetStatus(st JobStatus, message string, now time.Time) {
	e.Status = st
	e.Message = message
	e.Timestamp = now.UTC()
}

// QueueDocument is the persisted state of one named queue. It is always
// read and written as a whole.
type QueueDocument struct {
	Entries      []JobEntry `json:"entries"`
	QueueRunning bool       `json:"queue_running"`

	// Revision is the store-assigned version token of the loaded document.
	// Empty for a document that has never been saved.
	Revision string `json:"-"`
}

// InFlight returns the entry that is LAUNCHING or RUNNING, or nil.
func (d *QueueDocument) InFlight() *JobEntry {
	for i := range d.Entries {
		if d.Entries[i].Status.IsInFlight() {
			return &d.Entries[i]
		}
	}
	return nil
}

// FirstPending returns the oldest PENDING entry, or nil.
func (d *QueueDocument) FirstPending() *JobEntry {
	for i := range d.Entries {
		if d.Entries[i].Status == JobStatusPending {
			return &d.Entries[i]
		}
	}
	return nil
}

// Entry returns the entry with the given id, or nil.
func (d *QueueDocument) Entry(id int) *JobEntry {
	for i := range d.Entries {
		if d.Entries[i].ID == id {
			return &d.Entries[i]
		}
	}
	return nil
}

// NextID returns the id the next enqueued entry receives.
func (d *QueueDocument) NextID() int {
	next := 1
	for _, e := range d.Entries {
		if e.ID >= next {
			next = e.ID + 1
		}
	}
	return next
}

// Enqueue appends a PENDING entry carrying params and returns it.
func (d *QueueDocument) Enqueue(params json.RawMessage, now time.Time) JobEntry {
	entry := JobEntry{
		ID:        d.NextID(),
		Params:    params,
		Status:    JobStatusPending,
		Timestamp: now.UTC(),
	}
	d.Entries = append(d.Entries, entry)
	return entry
}

// Remove deletes the entry with the given id. It reports whether an entry
// was removed.
func (d *QueueDocument) Remove(id int) bool {
	for i := range d.Entries {
		if d.Entries[i].ID == id {
			d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the document, revision included.
func (d *QueueDocument) Clone() *QueueDocument {
	c := &QueueDocument{
		QueueRunning: d.QueueRunning,
		Revision:     d.Revision,
		Entries:      make([]JobEntry, len(d.Entries)),
	}
	for i, e := range d.Entries {
		if e.Params != nil {
			e.Params = append(json.RawMessage(nil), e.Params...)
		}
		c.Entries[i] = e
	}
	return c
}

// TickResult describes what one tick did, or why it did nothing.
type TickResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Changed bool   `json:"changed"`
}
