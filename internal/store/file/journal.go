package file

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

// writeJournal persists both sibling files atomically: write to two temp
// paths, fsync each, rename in sequence, then verify both targets exist.
// On any mid-write error both temp paths are removed before re-raising.
func (s *Store) writeJournal(d *store.Discussion) (err error) {
	jsonPath := s.journalPath(d.UserID, d.ID)
	docPath := s.docPath(d.UserID, d.ID)

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	doc := RenderMarkdown(d)

	dir := s.userDir(d.UserID)
	jsonTmp, err := writeTemp(dir, "journal-*.json.tmp", data)
	if err != nil {
		return err
	}
	docTmp, err := writeTemp(dir, "journal-*.md.tmp", []byte(doc))
	if err != nil {
		os.Remove(jsonTmp)
		return err
	}

	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(jsonTmp)
			os.Remove(docTmp)
		}
	}()

	if err := os.Rename(jsonTmp, jsonPath); err != nil {
		return fmt.Errorf("rename journal: %w", err)
	}
	if err := os.Rename(docTmp, docPath); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	cleanup = false

	if _, err := os.Stat(jsonPath); err != nil {
		return store.ErrNonAtomicFS
	}
	if _, err := os.Stat(docPath); err != nil {
		return store.ErrNonAtomicFS
	}
	return nil
}

func writeTemp(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp: %w", err)
	}
	return path, nil
}
