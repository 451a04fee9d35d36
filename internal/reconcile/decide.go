package reconcile

import (
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
)

// Winner names the side whose fields survive a merge.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Rule names the step of the merge algorithm that produced a decision.
type Rule string

const (
	RuleHashMatch     Rule = "hash_match"
	RuleLatestWrite   Rule = "latest_write"
	RuleContentLength Rule = "content_length"
	RuleOriginDevice  Rule = "origin_device"
	RuleRecency       Rule = "recency"
	RuleRemoteDefault Rule = "remote_default"
)

// Decision is the verdict for one local/remote pair sharing a canonical ID.
type Decision struct {
	Winner   Winner
	Rule     Rule
	Conflict bool
}

type policy struct {
	conflictWindow time.Duration
	lengthRatio    float64
}

// decide merges one matched pair. It is pure so the same inputs always pick the
// same winner.
func decide(local clip.Record, remote clip.RemoteRecord, p policy) Decision {
	localModified, remoteModified := local.LastModifiedMillis, remote.LastModifiedMillis
	timestamped := localModified > 0 && remoteModified > 0

	if local.ContentHash == remote.ContentHash {
		if timestamped && remoteModified > localModified {
			return Decision{Winner: WinnerRemote, Rule: RuleHashMatch}
		}
		return Decision{Winner: WinnerLocal, Rule: RuleHashMatch}
	}

	if timestamped {
		gap := time.Duration(remoteModified-localModified) * time.Millisecond
		if gap < 0 {
			gap = -gap
		}
		if gap >= p.conflictWindow {
			if remoteModified > localModified {
				return Decision{Winner: WinnerRemote, Rule: RuleLatestWrite}
			}
			return Decision{Winner: WinnerLocal, Rule: RuleLatestWrite}
		}
	}

	return resolveConflict(local, remote, p)
}

func resolveConflict(local clip.Record, remote clip.RemoteRecord, p policy) Decision {
	localLength := utf8.RuneCountInString(local.Content)
	remoteLength := utf8.RuneCountInString(remote.Content)
	switch {
	case float64(localLength) > float64(remoteLength)*p.lengthRatio:
		return Decision{Winner: WinnerLocal, Rule: RuleContentLength, Conflict: true}
	case float64(remoteLength) > float64(localLength)*p.lengthRatio:
		return Decision{Winner: WinnerRemote, Rule: RuleContentLength, Conflict: true}
	}

	localPriority, remotePriority := local.OriginClass.Priority(), remote.OriginClass.Priority()
	switch {
	case localPriority > remotePriority:
		return Decision{Winner: WinnerLocal, Rule: RuleOriginDevice, Conflict: true}
	case remotePriority > localPriority:
		return Decision{Winner: WinnerRemote, Rule: RuleOriginDevice, Conflict: true}
	}

	if local.LastModifiedMillis > 0 && remote.LastModifiedMillis > 0 {
		switch {
		case local.LastModifiedMillis > remote.LastModifiedMillis:
			return Decision{Winner: WinnerLocal, Rule: RuleRecency, Conflict: true}
		case remote.LastModifiedMillis > local.LastModifiedMillis:
			return Decision{Winner: WinnerRemote, Rule: RuleRecency, Conflict: true}
		}
	}

	return Decision{Winner: WinnerRemote, Rule: RuleRemoteDefault, Conflict: true}
}

// merge returns the local record after applying decision, and whether it changed.
// syncedAt stamps records that become synced through this merge.
func merge(local clip.Record, remote clip.RemoteRecord, decision Decision, syncedAt int64) (clip.Record, bool) {
	updated := local
	if decision.Winner == WinnerRemote {
		if decision.Rule != RuleHashMatch {
			updated.Content = remote.Content
			updated.ContentType = remote.ContentType
			updated.ContentHash = remote.ContentHash
			updated.OriginDevice = remote.OriginDevice
			updated.OriginClass = remote.OriginClass
		}
		if remote.LastModifiedMillis > 0 {
			updated.LastModifiedMillis = remote.LastModifiedMillis
		}
		if local.SyncState != clip.SyncStateSynced {
			updated.SyncState = clip.SyncStateSynced
			updated.SyncedAtMillis = syncedAt
		}
	} else if decision.Rule != RuleHashMatch && local.SyncState == clip.SyncStateSynced {
		// Remote holds stale content; push the local copy again.
		updated.SyncState = clip.SyncStateLocal
	}
	return updated, updated != local
}
