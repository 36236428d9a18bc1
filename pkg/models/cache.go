package models

import (
	"time"
)

// CacheEntryStatus is the state of a cached result.
type CacheEntryStatus string

const (
	CacheEntryReady CacheEntryStatus = "ready"
	CacheEntryError CacheEntryStatus = "error"
)

// CacheEntry is a previously computed result together with the request configuration that
// produced it. It is read-only once saved.
type CacheEntry struct {
	ID           string           `json:"id"`
	Organization string           `json:"organization"`
	Datasource   string           `json:"datasource"`
	MetricIDs    []string         `json:"metric_ids"`
	Config       RequestConfig    `json:"config"`
	Fingerprint  uint64           `json:"fingerprint"`
	Result       []byte           `json:"-"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       CacheEntryStatus `json:"status"`
}
