package attachment

import "strings"

// Tier is the remote representation that currently applies to an
// attachment. It is one of Archived, Pointer or Tombstone; the set is closed.
type Tier interface {
	isTier()
	Name() string
}

// Archived means the attachment is, or can be, on the archive CDN.
type Archived struct {
	ArchiveCDN *int
}

// Pointer means the attachment only exists on the transit CDN.
type Pointer struct {
	RemoteLocation string
	CDN            int
}

// Tombstone means no remote copy can be recovered. Presentation metadata on
// the attachment itself is still exported.
type Tombstone struct{}

func (Archived) isTier()  {}
func (Pointer) isTier()   {}
func (Tombstone) isTier() {}

func (Archived) Name() string  { return "archived" }
func (Pointer) Name() string   { return "pointer" }
func (Tombstone) Name() string { return "tombstone" }

// Classify decides which tier applies to a. The rules are evaluated in order
// and the first match wins; archive checks run before transit checks so a
// migrated attachment with stale transit metadata stays Archived.
func Classify(a *Attachment) Tier {
	if strings.TrimSpace(a.RemoteKey) == "" {
		return Tombstone{}
	}

	if a.TransferState == TransferPermanentFailure && a.ArchiveTransferState != ArchiveFinished {
		return Tombstone{}
	}

	activelyOnArchive := a.ArchiveTransferState == ArchiveFinished
	couldBeOnArchive := (a.TransferState == TransferDone || a.TransferState == TransferNeedsRestore) &&
		a.ArchiveTransferState != ArchivePermanentFailure

	if a.DataHash != "" && (activelyOnArchive || couldBeOnArchive) {
		return Archived{ArchiveCDN: a.ArchiveCDN}
	}

	if a.RemoteDigest != nil && strings.TrimSpace(a.RemoteLocation) != "" {
		return Pointer{RemoteLocation: a.RemoteLocation, CDN: a.CDN}
	}

	return Tombstone{}
}
