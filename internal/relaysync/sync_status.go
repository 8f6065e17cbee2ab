package relaysync

import (
	"fmt"
	"strings"
	"time"
)

type SyncState string

const (
	SyncIdle       SyncState = ""
	SyncInProgress SyncState = "in_progress"
	SyncSuccess    SyncState = "success"
	SyncFailed     SyncState = "failed"
)

type SyncMode string

const (
	SyncIncremental  SyncMode = "incremental"
	SyncFull         SyncMode = "full"
	SyncCompensating SyncMode = "compensating"
)

func ParseSyncMode(raw string) (SyncMode, error) {
	switch SyncMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SyncIncremental:
		return SyncIncremental, nil
	case SyncFull:
		return SyncFull, nil
	case SyncCompensating:
		return SyncCompensating, nil
	default:
		return "", fmt.Errorf("%w: sync mode %q", ErrInvalidInput, raw)
	}
}

// SyncStatus is the one-per-mapping record of reconciliation progress.
type SyncStatus struct {
	MappingID  string     `json:"mappingId"`
	State      SyncState  `json:"state"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	SyncCount  int        `json:"syncCount"`
	LastError  string     `json:"lastError,omitempty"`
	LastPass   SyncMode   `json:"lastPass,omitempty"`
}

// canBegin reports whether a pass may enter in_progress. An in_progress older than staleAfter
// is considered abandoned.
func (s SyncStatus) canBegin(now time.Time, staleAfter time.Duration) bool {
	if s.State != SyncInProgress {
		return true
	}
	if s.StartedAt == nil {
		return true
	}
	return staleAfter > 0 && now.Sub(*s.StartedAt) >= staleAfter
}

func (s SyncStatus) begin(mode SyncMode, now time.Time) SyncStatus {
	s.State = SyncInProgress
	s.StartedAt = timePtr(now)
	s.LastPass = mode
	s.LastError = ""
	return s
}

// finish records a pass result. The watermark moves to the pass start, and only after a
// clean incremental or full pass; a partial pass keeps the old one so the failed resource is
// listed again next time.
func (s SyncStatus) finish(result PassResult) SyncStatus {
	if result.Success {
		s.State = SyncSuccess
		s.SyncCount += result.Count
	} else {
		s.State = SyncFailed
	}
	s.LastError = truncateMessage(result.Error)
	if result.Success && result.Error == "" && result.Mode != SyncCompensating {
		mark := result.StartedAt
		if mark.IsZero() {
			mark = result.FinishedAt
		}
		s.LastSyncAt = timePtr(mark)
	}
	s.LastPass = result.Mode
	return s
}

func cloneSyncStatus(s SyncStatus) SyncStatus {
	out := s
	if s.LastSyncAt != nil {
		out.LastSyncAt = timePtr(*s.LastSyncAt)
	}
	if s.StartedAt != nil {
		out.StartedAt = timePtr(*s.StartedAt)
	}
	return out
}
