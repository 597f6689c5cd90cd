package pipeline

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Archive reasons.
const (
	ArchiveCompleted = "completed"
	ArchiveInactive  = "inactive"
)

// stepCleanup takes the weekly backup. The document sweeps of the morning
// cleanup run inside the commit updates so they reapply on conflict.
func (p *Pipeline) stepCleanup(ctx context.Context, rn *run) StepResult {
	if rn.slot != calendar.Morning {
		return StepResult{}
	}
	rn.summary.Cleanup = &state.CleanupSummary{}
	if !calendar.IsSunday(rn.now, p.loc) || rn.docs.Pipeline.LastBackupDate == rn.today {
		return StepResult{Summary: "Morning cleanup scheduled"}
	}

	n, err := p.store.Backup(ctx, rn.today)
	if err != nil {
		p.log.Warn("weekly backup failed", "date", rn.today, "error", err)
		rn.errs = append(rn.errs, errorRecord("backup", err))
		return StepResult{Summary: "Morning cleanup scheduled, backup failed"}
	}
	rn.backedUp = true
	rn.summary.Cleanup.BackupTaken = true

	pruned, err := p.store.PruneBackups(ctx, rn.today, p.cfg.Store.BackupRetention)
	if err != nil {
		p.log.Warn("pruning backups failed", "error", err)
		rn.errs = append(rn.errs, errorRecord("backup", err))
	}
	return StepResult{Summary: fmt.Sprintf("Backed up %d documents, pruned %d old backups", n, pruned)}
}

// archiveReason reports whether t leaves the active set on today's sweep.
func (p *Pipeline) archiveReason(t state.Topic, today string) (string, bool) {
	if t.Status == state.TopicCompleted {
		return ArchiveCompleted, true
	}
	last := calendar.Day(t.LastActivity, p.loc)
	if calendar.DaysBetween(last, today) >= p.cfg.Pipeline.ArchiveAfterDays {
		return ArchiveInactive, true
	}
	return "", false
}

func (p *Pipeline) cacheTTL() state.CacheTTL {
	return state.CacheTTL{
		URLDedupDays: p.cfg.Cache.URLDedupDays,
		GradingDays:  p.cfg.Cache.GradingDays,
		SummaryDays:  p.cfg.Cache.SummaryDays,
		MaxEntries:   p.cfg.Cache.MaxEntries,
	}
}
