package models

import (
	"path"
	"strings"
	"time"
)

const (
	// ProcessedPrefix is the root of every published stream package.
	ProcessedPrefix = "processed"

	// UploadPrefix is where the upload-URL issuer places raw uploads.
	UploadPrefix = "video-uploads"

	MasterPlaylistName = "master.m3u8"
	VariantIndexName   = "index.m3u8"
)

// RunParameters identify one worker run. They are derived from the source
// object and never persisted beyond the run.
type RunParameters struct {
	SourceBucket string `json:"source_bucket"`
	SourceKey    string `json:"source_key"`
	DestBucket   string `json:"dest_bucket"`
	DestPrefix   string `json:"dest_prefix"`
}

// NewRunParameters derives the destination prefix from the source key.
func NewRunParameters(sourceBucket, sourceKey, destBucket string) RunParameters {
	return RunParameters{
		SourceBucket: sourceBucket,
		SourceKey:    sourceKey,
		DestBucket:   destBucket,
		DestPrefix:   DestPrefixForKey(sourceKey),
	}
}

// DestPrefixForKey returns the key's file name without its extension.
// The same key always yields the same prefix, so a rerun overwrites the
// package it produced before.
func DestPrefixForKey(key string) string {
	base := path.Base(key)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// PackageRoot returns processed/<prefix>.
func PackageRoot(destPrefix string) string {
	return path.Join(ProcessedPrefix, destPrefix)
}

// ManifestKey returns the object key of the package's master playlist.
func ManifestKey(destPrefix string) string {
	return path.Join(PackageRoot(destPrefix), MasterPlaylistName)
}

// Env returns the run invocation environment understood by the worker.
func (p RunParameters) Env() map[string]string {
	return map[string]string{
		EnvSourceBucket: p.SourceBucket,
		EnvSourceKey:    p.SourceKey,
		EnvDestBucket:   p.DestBucket,
	}
}

// Run invocation environment variables
const (
	EnvSourceBucket = "S3_BUCKET"
	EnvSourceKey    = "S3_KEY"
	EnvDestBucket   = "DEST_BUCKET"
)

// RunHandle identifies a scheduled run. ID is the scheduler's own identifier
// (task ARN, process id).
type RunHandle struct {
	ID          string        `json:"id"`
	Params      RunParameters `json:"params"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// RunStatus is the last known state of a run for a destination prefix.
type RunStatus struct {
	Name        string    `json:"name"`
	RunID       string    `json:"run_id"`
	State       string    `json:"state"`
	ManifestKey string    `json:"manifest_key,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunState constants
const (
	RunStateProcessing = "processing"
	RunStateCompleted  = "completed"
	RunStateFailed     = "failed"
)
