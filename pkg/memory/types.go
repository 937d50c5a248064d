package memory

import (
	"time"
)

// Tier is a recency/access class of memory.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Tiers lists every tier in retrieval order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

func (t Tier) Valid() bool {
	return t == TierHot || t == TierWarm || t == TierCold
}

// RecordKind distinguishes ingested events from generated summaries.
type RecordKind string

const (
	KindEvent   RecordKind = "event"
	KindSummary RecordKind = "summary"
)

// DefaultPlatform is assigned when ingestion does not name a platform.
const DefaultPlatform = "unknown"

// Record is one interaction memory. Summary records additionally carry
// CompressedCount and OriginalIDs.
type Record struct {
	ID                  string            `json:"id"`
	Tier                Tier              `json:"tier"`
	Kind                RecordKind        `json:"type"`
	CreatedAt           time.Time         `json:"created"`
	LastAccessedAt      time.Time         `json:"lastAccessed"`
	AccessCount         int               `json:"accessCount"`
	EmotionalImportance float64           `json:"emotionalImportance"`
	Platform            string            `json:"platform"`
	PlatformSpecific    bool              `json:"platformSpecific"`
	InvolvedUsers       []string          `json:"involvedUsers,omitempty"`
	Content             string            `json:"content"`
	Context             string            `json:"context,omitempty"`
	Category            string            `json:"category,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CompressedCount     int               `json:"compressedMemories,omitempty"`
	OriginalIDs         []string          `json:"originalIds,omitempty"`
}

// HasUser reports whether username is among the involved users.
func (r Record) HasUser(username string) bool {
	for _, u := range r.InvolvedUsers {
		if u == username {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices or maps with the store.
func (r Record) Clone() Record {
	out := r
	if r.InvolvedUsers != nil {
		out.InvolvedUsers = append([]string(nil), r.InvolvedUsers...)
	}
	if r.OriginalIDs != nil {
		out.OriginalIDs = append([]string(nil), r.OriginalIDs...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Input is the ingestion shape accepted by AddMemory. Only blank content is
// rejected; sizes are unbounded and blank user entries are dropped.
type Input struct {
	Content       string `validate:"required"`
	Context       string
	InvolvedUsers []string
	Platform      string
	Category      string
	Metadata      map[string]string
}

// Query is the retrieval context. Empty fields contribute nothing to scoring.
type Query struct {
	Username string
	Topic    string
	Platform string
}

// TierCounts holds per-tier sizes.
type TierCounts struct {
	Hot  int `json:"hot"`
	Warm int `json:"warm"`
	Cold int `json:"cold"`
}

// AccessCount pairs a record id with its retrieval count.
type AccessCount struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Counters are cumulative engine activity counters, persisted with metadata.
type Counters struct {
	Migrations        int `json:"migrations"`
	Retrievals        int `json:"retrievals"`
	Promotions        int `json:"promotions"`
	Compactions       int `json:"compactions"`
	CompressionsSaved int `json:"compressionsSaved"`
}

// Stats is the introspection view returned by GetStats.
type Stats struct {
	TotalMemories int           `json:"totalMemories"`
	Tiers         TierCounts    `json:"tiers"`
	TopAccessed   []AccessCount `json:"topAccessed"`
	Counters
}

// MaintenanceReport summarises one migration pass.
type MaintenanceReport struct {
	ToWarm    int
	ToCold    int
	Compacted int
	Summaries int
}
