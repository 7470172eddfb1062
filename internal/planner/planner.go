// Package planner derives batches and archive keys from a unit's manifests.
// All derivation is deterministic: the same manifest and batch size produce
// the same keys on every run, so resumed runs line up with prior uploads.
package planner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/zzenonn/zmigrate/internal/domain"
)

// SanitizeName normalizes a unit folder name into its key-safe form.
// NFC keeps differently-composed Unicode spellings of the same name stable.
func SanitizeName(name string) string {
	s := norm.NFC.String(name)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// ListKey returns the staging key of a unit's normal-file manifest.
func ListKey(prefix, unit string) string {
	return prefix + SanitizeName(unit) + "_List.txt"
}

// LargeFilesKey returns the staging key of a unit's large-file manifest.
func LargeFilesKey(prefix, unit string) string {
	return prefix + SanitizeName(unit) + "_LargeFiles.json"
}

// IndexKey returns the staging key of the folder index.
func IndexKey(prefix string) string {
	return prefix + "_index/folder_list.txt"
}

// ArchiveKey derives the staging key for one split of one batch. Split 0 is
// the unnamed base; higher splits carry a suffix.
func ArchiveKey(prefix, unit string, part, split int) string {
	base := fmt.Sprintf("%s%s_Part%d", prefix, SanitizeName(unit), part)
	if split == 0 {
		return base + ".zip"
	}
	return fmt.Sprintf("%s_Split%d.zip", base, split)
}

// ArchivePrefix returns the listing prefix matching all of a unit's archives.
func ArchivePrefix(prefix, unit string) string {
	return prefix + SanitizeName(unit) + "_"
}

// PartitionManifest splits the ordered manifest into batches of at most
// batchSize files. Part numbers come from ordinal position in the original,
// unfiltered manifest; completed files are filtered out of batch contents
// only, never out of the numbering.
func PartitionManifest(unit string, files []string, completed map[string]struct{}, batchSize int) []domain.Batch {
	if batchSize <= 0 || len(files) == 0 {
		return nil
	}

	var batches []domain.Batch
	for i := 0; i < len(files); i += batchSize {
		end := i + batchSize
		if end > len(files) {
			end = len(files)
		}

		var remaining []string
		for _, f := range files[i:end] {
			if _, done := completed[NormalizePath(f)]; !done {
				remaining = append(remaining, f)
			}
		}

		batches = append(batches, domain.Batch{
			Unit:  unit,
			Part:  i/batchSize + 1,
			Files: remaining,
		})
	}
	return batches
}

// NormalizePath converts path separators to forward slashes so manifest
// entries match inventory paths across platforms.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// SortKeysNatural sorts archive keys with digit runs compared numerically,
// so Part1 < Part1_Split1 < Part1_Split2 < Part2 < Part10. Plain
// lexicographic order would interleave Part10 before Part2.
func SortKeysNatural(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		return naturalLess(keys[i], keys[j])
	})
}

func naturalLess(a, b string) bool {
	at, bt := tokenize(a), tokenize(b)
	for i := 0; i < len(at) && i < len(bt); i++ {
		if at[i] == bt[i] {
			continue
		}
		an, aerr := strconv.Atoi(at[i])
		bn, berr := strconv.Atoi(bt[i])
		if aerr == nil && berr == nil {
			if an != bn {
				return an < bn
			}
			continue
		}
		return strings.ToLower(at[i]) < strings.ToLower(bt[i])
	}
	return len(at) < len(bt)
}

// tokenize splits a string into alternating digit and non-digit runs.
func tokenize(s string) []string {
	var tokens []string
	start := 0
	digits := false
	for i, r := range s {
		isDigit := r >= '0' && r <= '9'
		if i == 0 {
			digits = isDigit
			continue
		}
		if isDigit != digits {
			tokens = append(tokens, s[start:i])
			start = i
			digits = isDigit
		}
	}
	if start < len(s) {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

// ParseFileList reads a one-path-per-line manifest, skipping blank lines.
func ParseFileList(r io.Reader) ([]string, error) {
	var files []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file manifest: %w", err)
	}
	return files, nil
}

// ParseLargeFiles decodes a large-file manifest, dropping malformed entries.
func ParseLargeFiles(data []byte) ([]domain.LargeFile, error) {
	var entries []domain.LargeFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse large-file manifest: %w", err)
	}

	valid := entries[:0]
	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		valid = append(valid, e)
	}
	return valid, nil
}
