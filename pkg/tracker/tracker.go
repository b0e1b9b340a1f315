// Package tracker remembers which content URLs were already processed, across runs.
//
// The State is a plain value: Diff is pure and Mark returns a new State, so a run can
// compute what is new before anything is committed and persist only what succeeded.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/utils"
)

// State is the set of processed identifiers per content type
type State map[models.ContentType]map[string]struct{}

// fileFormat is the on-disk shape of a State
type fileFormat struct {
	Shows     []string  `json:"shows"`
	Episodes  []string  `json:"episodes"`
	Movies    []string  `json:"movies"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty State with every bucket present
func New() State {
	s := make(State, len(models.AllContentTypes))
	for _, t := range models.AllContentTypes {
		s[t] = make(map[string]struct{})
	}
	return s
}

// Len returns the number of identifiers recorded for t
func (s State) Len(t models.ContentType) int {
	return len(s[t])
}

// Has reports whether id is recorded for t
func (s State) Has(t models.ContentType, id string) bool {
	_, ok := s[t][id]
	return ok
}

// Sorted returns the identifiers recorded for t in lexical order
func (s State) Sorted(t models.ContentType) []string {
	out := make([]string, 0, len(s[t]))
	for id := range s[t] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Load reads the tracker file. A missing file yields an empty State. A file that cannot
// be decoded is renamed to <path>.corrupt-<unix> and an error is returned.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("%w: read tracker file '%s': %w", utils.ErrFilesystem, path, err)
	}

	var f fileFormat
	if errJson := json.Unmarshal(data, &f); errJson != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if errMove := os.Rename(path, aside); errMove != nil {
			return nil, fmt.Errorf("%w: JSON tracker file '%s' is corrupt (%v) and could not be moved aside: %v",
				utils.ErrParsing, path, errJson, errMove)
		}
		return nil, fmt.Errorf("%w: JSON tracker file '%s' is corrupt, moved to '%s': %v", utils.ErrParsing, path, aside, errJson)
	}

	s := New()
	for t, ids := range map[models.ContentType][]string{
		models.ContentTypeShow:    f.Shows,
		models.ContentTypeEpisode: f.Episodes,
		models.ContentTypeMovie:   f.Movies,
	} {
		for _, id := range ids {
			s[t][id] = struct{}{}
		}
	}
	return s, nil
}

// Diff returns the candidates not yet recorded for t, in input order and without duplicates
func Diff(s State, t models.ContentType, candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0)
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if !s.Has(t, c) {
			out = append(out, c)
		}
	}
	return out
}

// Mark returns a State that also records ids under t. The input State is not modified;
// buckets other than t are shared with it.
func Mark(s State, t models.ContentType, ids []string) State {
	out := make(State, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	bucket := make(map[string]struct{}, len(s[t])+len(ids))
	for id := range s[t] {
		bucket[id] = struct{}{}
	}
	for _, id := range ids {
		bucket[id] = struct{}{}
	}
	out[t] = bucket
	return out
}

// Save writes s to path atomically. There must be a single writer per path.
func Save(path string, s State) error {
	return save(path, s, time.Now())
}

func save(path string, s State, now time.Time) error {
	f := fileFormat{
		Shows:     s.Sorted(models.ContentTypeShow),
		Episodes:  s.Sorted(models.ContentTypeEpisode),
		Movies:    s.Sorted(models.ContentTypeMovie),
		UpdatedAt: now.UTC(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal JSON tracker state: %w", utils.ErrParsing, err)
	}
	return utils.WriteFileAtomic(path, data, 0644)
}

// Reset removes the recorded identifiers of the given types, or of all types when none are given
func Reset(path string, types ...models.ContentType) error {
	if len(types) == 0 {
		types = models.AllContentTypes
	}
	s, err := Load(path)
	if err != nil {
		return err
	}
	for _, t := range types {
		if !t.IsValid() {
			return fmt.Errorf("unknown content type %q", t)
		}
		s[t] = make(map[string]struct{})
	}
	return Save(path, s)
}
