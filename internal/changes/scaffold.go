package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/clock"
)

// defaultScaffolder writes minimal artifact skeletons. Template selection is
// accepted but only the built-in layout exists; a richer template system
// plugs in through the Scaffolder interface.
type defaultScaffolder struct{}

func (defaultScaffolder) Scaffold(_ context.Context, change api.Change, _ string) error {
	artifacts := map[string]string{
		change.Paths.Proposal: fmt.Sprintf("# %s\n\n## Why\n\n## What changes\n", change.Title),
		change.Paths.Tasks:    "# Tasks\n\n- [ ] \n",
		change.Paths.Delta:    "# Delta\n",
	}
	for path, content := range artifacts {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// defaultReceiptWriter records the archive transition itself. External
// receipt generators replace this through the ReceiptWriter interface.
type defaultReceiptWriter struct {
	clock clock.Clock
}

func (w defaultReceiptWriter) WriteReceipt(_ context.Context, change api.Change, dir string) (string, error) {
	now := w.clock.Now()
	encoded, err := json.MarshalIndent(map[string]any{
		"slug":        change.Slug,
		"title":       change.Title,
		"archived_at": now.UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "receipt.json")
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
