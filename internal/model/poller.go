package model

import "time"

// PollerType names the remote a poller node watches.
type PollerType string

const (
	PollerSFTP PollerType = "sftp"
	PollerBlob PollerType = "blob"
)

// TrackingMode selects how a poller decides a file is new.
type TrackingMode string

const (
	TrackByFilename TrackingMode = "filename"
	TrackByChecksum TrackingMode = "checksum"
)

// FileFingerprint is one entry of a poller's dedup ring.
type FileFingerprint struct {
	Filename    string    `json:"filename"`
	Checksum    string    `json:"checksum,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// PollerState is the persisted cursor of one poller node: the fingerprint
// ring of recently processed files plus tick bookkeeping. Updates are
// serialized per (flowId, nodeId) by the storage layer.
type PollerState struct {
	FlowID          string            `json:"flowId"`
	NodeID          string            `json:"nodeId"`
	PollerType      PollerType        `json:"pollerType"`
	Enabled         bool              `json:"enabled"`
	LastFile        string            `json:"lastFile,omitempty"`
	LastProcessedAt *time.Time        `json:"lastProcessedAt,omitempty"`
	Fingerprints    []FileFingerprint `json:"fingerprints"`
	ConfigSnapshot  Payload           `json:"configSnapshot,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	LastErrorAt     *time.Time        `json:"lastErrorAt,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Seen reports whether a file was already processed. In filename mode the
// checksum is ignored; in checksum mode both must match, so a replaced file
// with new content is processed again.
func (p *PollerState) Seen(mode TrackingMode, filename, checksum string) bool {
	for _, fp := range p.Fingerprints {
		if fp.Filename != filename {
			continue
		}
		if mode == TrackByFilename || fp.Checksum == checksum {
			return true
		}
	}
	return false
}

// RecordFile appends a fingerprint, evicting the oldest entries beyond limit,
// and advances the lastFile cursor.
func (p *PollerState) RecordFile(filename, checksum string, at time.Time, limit int) {
	p.Fingerprints = append(p.Fingerprints, FileFingerprint{
		Filename:    filename,
		Checksum:    checksum,
		ProcessedAt: at,
	})
	if limit > 0 && len(p.Fingerprints) > limit {
		p.Fingerprints = p.Fingerprints[len(p.Fingerprints)-limit:]
	}
	p.LastFile = filename
	p.LastProcessedAt = &at
}
