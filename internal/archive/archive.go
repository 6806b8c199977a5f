// Package archive packs extraction results into a zip with one JSON document
// per file.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"metaextract/internal/extraction"
)

const entryDir = "results"

// Entry describes one file written into the zip.
type Entry struct {
	FileID   string
	Filename string
}

// WriteResults writes the results of files into w as results/<name>.json, in
// the order of files. Files without a result are skipped. Colliding names get
// a numeric suffix.
func WriteResults(w io.Writer, files []extraction.FileRef, results map[string]map[string]any) ([]Entry, error) {
	if len(results) == 0 {
		return nil, errors.New("no results to archive")
	}

	zipWriter := zip.NewWriter(w)
	entries := make([]Entry, 0, len(results))
	usedNames := make(map[string]int, len(results))
	written := make(map[string]struct{}, len(results))
	modified := time.Now()

	write := func(fileID, displayName string, index int) error {
		data, ok := results[fileID]
		if !ok {
			return nil
		}
		filename := uniqueName(usedNames, deriveFilename(displayName, fileID, index))
		if err := writeEntry(zipWriter, filename, modified, data); err != nil {
			log.Warn().Str("file_id", fileID).Str("filename", filename).Err(err).Msg("write zip entry failed")
			return err
		}
		written[fileID] = struct{}{}
		entries = append(entries, Entry{FileID: fileID, Filename: filename})
		return nil
	}

	for i, f := range files {
		if err := write(f.ID, f.Name, i); err != nil {
			_ = zipWriter.Close()
			return entries, err
		}
	}
	// results whose file is no longer selected
	orphans := make([]string, 0, len(results)-len(written))
	for fileID := range results {
		if _, ok := written[fileID]; !ok {
			orphans = append(orphans, fileID)
		}
	}
	sort.Strings(orphans)
	for _, fileID := range orphans {
		if err := write(fileID, "", len(entries)); err != nil {
			_ = zipWriter.Close()
			return entries, err
		}
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return entries, fmt.Errorf("close zip writer: %w", err)
	}
	return entries, nil
}

func writeEntry(zipWriter *zip.Writer, filename string, modified time.Time, data map[string]any) error {
	header := &zip.FileHeader{Name: entryDir + "/" + filename, Method: zip.Deflate, Modified: modified}
	entryWriter, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create zip entry: %w", err)
	}
	encoder := json.NewEncoder(entryWriter)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func uniqueName(used map[string]int, base string) string {
	count, ok := used[base]
	if !ok {
		used[base] = 1
		return base
	}
	for {
		count++
		ext := filepath.Ext(base)
		candidate := fmt.Sprintf("%s(%d)%s", strings.TrimSuffix(base, ext), count, ext)
		if _, taken := used[candidate]; !taken {
			used[base] = count
			used[candidate] = 1
			return candidate
		}
	}
}

// deriveFilename turns a display name into a safe <stem>.json entry name,
// falling back to the file id and then to the index
func deriveFilename(displayName, fileID string, index int) string {
	for _, candidate := range []string{displayName, fileID} {
		trimmed := strings.TrimSpace(strings.ReplaceAll(candidate, "\\", "/"))
		if trimmed == "" {
			continue
		}
		base := path.Base(trimmed)
		if base == "/" || base == "." || base == ".." || base == "" {
			continue
		}
		stem := strings.TrimSuffix(base, path.Ext(base))
		if stem == "" {
			stem = base
		}
		return stem + ".json"
	}
	return fmt.Sprintf("file-%d.json", index+1)
}
