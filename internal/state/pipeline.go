package state

import (
	"time"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
)

// SlotStatus is the state of one slot within a day.
type SlotStatus string

const (
	SlotPending SlotStatus = "PENDING"
	SlotRunning SlotStatus = "RUNNING"
	SlotDone    SlotStatus = "DONE"
	SlotFailed  SlotStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed today.
func (s SlotStatus) Terminal() bool {
	return s == SlotDone || s == SlotFailed
}

// Candidate is an article offered to the pipeline.
type Candidate struct {
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Source       string    `json:"source"`
	SourceID     string    `json:"source_id"`
	Text         string    `json:"text"`
	Method       string    `json:"method"`
	PublishedAt  string    `json:"published_at,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// CleanupSummary reports what the morning cleanup did.
type CleanupSummary struct {
	Archived        int  `json:"archived"`
	ReteachReverted int  `json:"reteach_reverted"`
	CachePruned     int  `json:"cache_pruned"`
	ErrorsPruned    int  `json:"errors_pruned"`
	SourcesDecayed  int  `json:"sources_decayed"`
	SourcesEnabled  int  `json:"sources_reenabled"`
	BackupTaken     bool `json:"backup_taken"`
}

// SlotSummary is the stored outcome of a slot run.
type SlotSummary struct {
	Candidates int             `json:"candidates"`
	FromQueue  int             `json:"from_overflow"`
	Duplicates int             `json:"duplicates"`
	Discarded  int             `json:"discarded"`
	Accepted   int             `json:"accepted"`
	Overflowed int             `json:"overflowed"`
	Deferred   int             `json:"deferred"`
	Forced     string          `json:"forced_category,omitempty"`
	AICalls    int             `json:"ai_calls"`
	Cost       float64         `json:"cost"`
	Cleanup    *CleanupSummary `json:"cleanup,omitempty"`
}

// SlotRecord is the per-day record of a slot.
type SlotRecord struct {
	Status     SlotStatus   `json:"status"`
	RunID      string       `json:"run_id,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Result     *SlotSummary `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// DigestRecord is the outcome of the last digest dispatch.
type DigestRecord struct {
	Date    string    `json:"date"`
	Topics  []string  `json:"topics"`
	Subject string    `json:"subject"`
	SentAt  time.Time `json:"sent_at"`
}

// PipelineState is the pipeline_state document.
type PipelineState struct {
	Date           string                 `json:"date"`
	Slots          map[string]*SlotRecord `json:"slots"`
	Overflow       Capped[Candidate]      `json:"overflow"`
	RPD            map[string]int         `json:"rpd"`
	Digest         *DigestRecord          `json:"digest,omitempty"`
	LastBackupDate string                 `json:"last_backup_date,omitempty"`
}

// Normalize fills nil maps and missing slot records.
func (p *PipelineState) Normalize() {
	if p.Slots == nil {
		p.Slots = map[string]*SlotRecord{}
	}
	for _, name := range calendar.Slots {
		if p.Slots[name] == nil {
			p.Slots[name] = &SlotRecord{Status: SlotPending}
		}
	}
	if p.RPD == nil {
		p.RPD = map[string]int{}
	}
}

// Rollover resets the per-day fields when today differs from the stored date.
// The overflow queue is carried over. It reports whether a reset happened.
func (p *PipelineState) Rollover(today string) bool {
	if p.Date == today {
		p.Normalize()
		return false
	}
	p.Date = today
	p.Slots = nil
	p.RPD = nil
	p.Normalize()
	return true
}

// Slot returns the record of a slot, creating a pending one if missing.
func (p *PipelineState) Slot(name string) *SlotRecord {
	p.Normalize()
	rec, ok := p.Slots[name]
	if !ok {
		rec = &SlotRecord{Status: SlotPending}
		p.Slots[name] = rec
	}
	return rec
}
