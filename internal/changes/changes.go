// Package changes manages change workspaces on disk: slug-addressed
// directories holding proposal/tasks/delta artifacts plus a metadata file.
// Creation is idempotent and archival is a one-way move into terminal
// storage. Scaffolding and receipt content are external collaborators hidden
// behind interfaces.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/svcfields"
)

// ArchiveDirName is the terminal storage subdirectory; listings never
// surface anything under it.
const ArchiveDirName = "archive"

const metadataFileName = "change.json"

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// ValidateSlug checks the fixed slug pattern: 3-64 chars, lowercase
// alphanumeric plus hyphen, no leading or trailing hyphen.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("invalid slug %q", slug),
			Hint:       "slugs are 3-64 lowercase alphanumeric/hyphen characters with no edge hyphens",
			HTTPStatus: 400,
			Fields: []api.FieldViolation{{
				Field:      "slug",
				Constraint: "slug",
				Detail:     "must match 3-64 chars of [a-z0-9-] with alphanumeric edges",
			}},
		}
	}
	return nil
}

// Scaffolder populates a freshly created change directory. The template
// system is an external collaborator; the default writes empty artifacts.
type Scaffolder interface {
	Scaffold(ctx context.Context, change api.Change, template string) error
}

// ReceiptWriter produces the archive receipt artifact. Content generation
// (git metadata, test summaries) is an external collaborator; the default
// records the transition itself.
type ReceiptWriter interface {
	WriteReceipt(ctx context.Context, change api.Change, dir string) (string, error)
}

// Options configures a Store.
type Options struct {
	// Root is the changes directory.
	Root string
	// Clock supplies time; defaults to the real clock.
	Clock clock.Clock
	// Logger receives structured store events.
	Logger pslog.Logger
	// Scaffolder overrides the default artifact scaffolding.
	Scaffolder Scaffolder
	// Receipts overrides the default receipt writer.
	Receipts ReceiptWriter
}

// Store is the filesystem-backed change collection.
type Store struct {
	root     string
	clock    clock.Clock
	logger   pslog.Logger
	scaffold Scaffolder
	receipts ReceiptWriter
}

// New initialises the store, creating the root and archive directories.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("changes: root required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	root := filepath.Clean(opts.Root)
	if err := os.MkdirAll(filepath.Join(root, ArchiveDirName), 0o755); err != nil {
		return nil, fmt.Errorf("changes: create root: %w", err)
	}
	s := &Store{
		root:     root,
		clock:    opts.Clock,
		logger:   svcfields.WithSubsystem(opts.Logger, "changes"),
		scaffold: opts.Scaffolder,
		receipts: opts.Receipts,
	}
	if s.scaffold == nil {
		s.scaffold = defaultScaffolder{}
	}
	if s.receipts == nil {
		s.receipts = defaultReceiptWriter{clock: opts.Clock}
	}
	return s, nil
}

// Root returns the changes directory.
func (s *Store) Root() string {
	return s.root
}

// Paths derives the deterministic artifact paths for slug.
func (s *Store) Paths(slug string) api.ChangePaths {
	root := filepath.Join(s.root, slug)
	return api.ChangePaths{
		Root:     root,
		Proposal: filepath.Join(root, "proposal.md"),
		Tasks:    filepath.Join(root, "tasks.md"),
		Delta:    filepath.Join(root, "delta.md"),
	}
}

// ArtifactPath resolves a named artifact for slug; name is one of proposal,
// tasks, delta.
func (s *Store) ArtifactPath(slug, name string) (string, error) {
	paths := s.Paths(slug)
	switch name {
	case "proposal":
		return paths.Proposal, nil
	case "tasks":
		return paths.Tasks, nil
	case "delta":
		return paths.Delta, nil
	}
	return "", api.Failure{
		Code:       api.CodeNotFound,
		Detail:     fmt.Sprintf("unknown artifact %q", name),
		Hint:       "artifacts are proposal, tasks, delta",
		HTTPStatus: 404,
	}
}

// OpenCommand carries the inputs of an open operation.
type OpenCommand struct {
	Slug      string
	Title     string
	Rationale string
	Template  string
}

// Open creates the change workspace for cmd.Slug, or returns the existing
// one unchanged. Reopening an archived slug fails; resurrection would break
// the one-way archive transition.
func (s *Store) Open(ctx context.Context, cmd OpenCommand) (*api.Change, bool, error) {
	if err := ValidateSlug(cmd.Slug); err != nil {
		return nil, false, err
	}
	if s.isArchived(cmd.Slug) {
		return nil, false, api.Failure{
			Code:       api.CodeArchivedConflict,
			Detail:     fmt.Sprintf("change %s is archived", cmd.Slug),
			Hint:       "archived changes cannot be reopened; pick a new slug",
			HTTPStatus: 409,
		}
	}
	if existing, err := s.Get(ctx, cmd.Slug); err == nil {
		return existing, false, nil
	} else if !api.IsCode(err, api.CodeNotFound) {
		return nil, false, err
	}

	change := api.Change{
		Slug:      cmd.Slug,
		Title:     cmd.Title,
		Rationale: cmd.Rationale,
		Status:    api.StatusDraft,
		CreatedAt: s.clock.Now(),
		Paths:     s.Paths(cmd.Slug),
	}
	if change.Title == "" {
		change.Title = cmd.Slug
	}
	if err := os.MkdirAll(change.Paths.Root, 0o755); err != nil {
		return nil, false, ioFailure("create change dir", err)
	}
	if err := s.scaffold.Scaffold(ctx, change, cmd.Template); err != nil {
		return nil, false, api.Failure{
			Code:       api.CodeExecutionFailure,
			Detail:     fmt.Sprintf("scaffold %s: %v", cmd.Slug, err),
			Hint:       "the change directory exists; retrying open resumes scaffolding",
			HTTPStatus: 500,
		}
	}
	if err := s.writeMetadata(change); err != nil {
		return nil, false, err
	}
	s.logger.Info("change.open", "slug", change.Slug, "title", change.Title)
	return &change, true, nil
}

// Get loads an active (non-archived) change.
func (s *Store) Get(_ context.Context, slug string) (*api.Change, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}
	change, err := s.readMetadata(filepath.Join(s.root, slug))
	if err != nil {
		return nil, err
	}
	change.Paths = s.Paths(slug)
	return change, nil
}

// Archive performs the one-way transition for slug: metadata flips to
// archived, the directory moves under terminal storage, and a receipt is
// written. A second call reports alreadyArchived without re-running any of
// that.
func (s *Store) Archive(ctx context.Context, slug string) (*api.Change, bool, string, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, false, "", err
	}
	archivedDir := filepath.Join(s.root, ArchiveDirName, slug)
	if change, err := s.readMetadata(archivedDir); err == nil {
		return change, true, existingReceipt(archivedDir), nil
	}

	change, err := s.Get(ctx, slug)
	if err != nil {
		return nil, false, "", err
	}
	change.Status = api.StatusArchived
	if err := s.writeMetadata(*change); err != nil {
		return nil, false, "", err
	}
	if err := os.Rename(change.Paths.Root, archivedDir); err != nil {
		return nil, false, "", ioFailure("archive move", err)
	}
	receipt, err := s.receipts.WriteReceipt(ctx, *change, archivedDir)
	if err != nil {
		return nil, false, "", api.Failure{
			Code:       api.CodeExecutionFailure,
			Detail:     fmt.Sprintf("write receipt for %s: %v", slug, err),
			Hint:       "the change is archived; re-running archive reports already_archived",
			HTTPStatus: 500,
		}
	}
	s.logger.Info("change.archive", "slug", slug, "receipt", receipt)
	return change, false, receipt, nil
}

// List scans the root directory and returns summaries of every active
// change. Terminal storage and dotted entries are skipped. There is no index
// beyond this scan.
func (s *Store) List(_ context.Context) ([]api.ChangeSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, ioFailure("scan changes", err)
	}
	summaries := make([]api.ChangeSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == ArchiveDirName || strings.HasPrefix(name, ".") {
			continue
		}
		dir := filepath.Join(s.root, name)
		change, err := s.readMetadata(dir)
		if err != nil {
			// A directory without readable metadata is not a change; skip it
			// rather than failing the whole listing.
			s.logger.Warn("change.list.skip", "dir", name, "error", err)
			continue
		}
		summaries = append(summaries, api.ChangeSummary{
			Slug:       change.Slug,
			Title:      change.Title,
			Status:     change.Status,
			CreatedAt:  change.CreatedAt,
			ModifiedAt: latestModTime(dir),
		})
	}
	return summaries, nil
}

func (s *Store) isArchived(slug string) bool {
	_, err := os.Stat(filepath.Join(s.root, ArchiveDirName, slug))
	return err == nil
}

func (s *Store) writeMetadata(change api.Change) error {
	encoded, err := json.MarshalIndent(metadataDoc{
		Slug:      change.Slug,
		Title:     change.Title,
		Rationale: change.Rationale,
		Status:    change.Status,
		CreatedAt: change.CreatedAt,
	}, "", "  ")
	if err != nil {
		return ioFailure("encode metadata", err)
	}
	path := filepath.Join(change.Paths.Root, metadataFileName)
	tmp, err := os.CreateTemp(change.Paths.Root, ".tmp-meta-*")
	if err != nil {
		return ioFailure("create metadata temp", err)
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ioFailure("write metadata", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ioFailure("close metadata", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return ioFailure("rename metadata", err)
	}
	return nil
}

func (s *Store) readMetadata(dir string) (*api.Change, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, api.Failure{
				Code:       api.CodeNotFound,
				Detail:     fmt.Sprintf("no change at %s", dir),
				HTTPStatus: 404,
			}
		}
		return nil, ioFailure("read metadata", err)
	}
	var doc metadataDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, api.Failure{
			Code:       api.CodeCorruption,
			Detail:     fmt.Sprintf("malformed metadata in %s: %v", dir, err),
			HTTPStatus: 500,
		}
	}
	return &api.Change{
		Slug:      doc.Slug,
		Title:     doc.Title,
		Rationale: doc.Rationale,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt,
	}, nil
}

type metadataDoc struct {
	Slug      string           `json:"slug"`
	Title     string           `json:"title"`
	Rationale string           `json:"rationale,omitempty"`
	Status    api.ChangeStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// latestModTime returns the newest mtime among the change's top-level files,
// which is what the listing order keys on.
func latestModTime(dir string) time.Time {
	var latest time.Time
	entries, err := os.ReadDir(dir)
	if err != nil {
		return latest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

func existingReceipt(dir string) string {
	path := filepath.Join(dir, "receipt.json")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func ioFailure(op string, err error) api.Failure {
	return api.Failure{
		Code:       api.CodeIOFailure,
		Detail:     fmt.Sprintf("%s: %v", op, err),
		HTTPStatus: 500,
	}
}
