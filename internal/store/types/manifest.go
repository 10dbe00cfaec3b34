package types

// ManifestEntry records what a file looked like when it was last backed up.
type ManifestEntry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
	Hash    uint64 `json:"hash"`
}

// Manifest maps slash separated relative paths to their entry.
type Manifest map[string]ManifestEntry
