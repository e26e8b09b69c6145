package tasks

import (
	"fmt"
)

// ProgressUpdate represents a progress event during a long-running sync.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Err     error  // Set for failure updates
}

// Operation phase enumeration
type Phase int

const (
	FetchProfile Phase = iota
	FetchFollowed
	ResolveArtists
	FetchReleases
	PersistCatalog
	Backoff
	SyncDone
)

func (p Phase) String() string {
	switch p {
	case FetchProfile:
		return "fetch_profile"
	case FetchFollowed:
		return "fetch_followed"
	case ResolveArtists:
		return "resolve_artists"
	case FetchReleases:
		return "fetch_releases"
	case PersistCatalog:
		return "persist_catalog"
	case Backoff:
		return "backoff"
	case SyncDone:
		return "sync_done"
	default:
		return ""
	}
}

func followedPageUpdate(page, count int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchFollowed,
		Step:    page,
		Total:   0,
		Message: fmt.Sprintf("Followed artists page %d (%d artists)", page, count),
	}
}

func followedCachedUpdate(count int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchFollowed,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Followed artist list up to date (%d artists)", count),
	}
}

func resolveArtistsUpdate(known, unknown int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   ResolveArtists,
		Step:    known,
		Total:   known + unknown,
		Message: fmt.Sprintf("Resolving artists (%d cached, %d to fetch)", known, unknown),
	}
}

func fetchReleasesUpdate(step, total int, name string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchReleases,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Fetching releases: %s", step, total, name),
	}
}

func releasesFailedUpdate(step, total int, name string, err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchReleases,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, name, err),
		Err:     err,
	}
}

func persistUpdate(releases int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PersistCatalog,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Persisted %d releases", releases),
	}
}

func backoffUpdate(seconds int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Backoff,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Rate limited, backing off %ds", seconds),
	}
}

func syncDoneUpdate(errCount int) ProgressUpdate {
	msg := "Sync complete"
	if errCount > 0 {
		msg = fmt.Sprintf("Sync finished with %d errors", errCount)
	}
	return ProgressUpdate{
		Phase:   SyncDone,
		Step:    1,
		Total:   1,
		Message: msg,
	}
}
