package domain

// Unit is a top-level source folder being migrated. Its manifests are produced
// once by the mapper and are immutable inputs to pack and unpack.
type Unit struct {
	// Name is the folder name as it appears under the source remote.
	Name string
	// Files is the ordered manifest of normal files, paths relative to the
	// unit root with forward slashes.
	Files []string
	// LargeFiles lists files above the direct-transfer threshold. These
	// bypass archiving entirely.
	LargeFiles []LargeFile
}

// LargeFile is one entry of a unit's large-file manifest.
type LargeFile struct {
	Path   string  `json:"path"`
	Size   int64   `json:"size"`
	SizeGB float64 `json:"size_gb"`
}

// Batch is a contiguous slice of a unit's normal-file manifest. Part is
// 1-based; the ordinal is derived from position in the original, unfiltered
// manifest so archive keys stay stable across resumed runs.
type Batch struct {
	Unit  string
	Part  int
	Files []string
}
