// internal/state/profile.go
package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/khappy/internal/types"
)

// ProfileStore keeps user profiles in profiles.json. It is the mention
// directory.
type ProfileStore struct {
	root string
	mu   sync.RWMutex
}

func NewProfileStore(root string) *ProfileStore {
	return &ProfileStore{root: root}
}

func (s *ProfileStore) path() string {
	return filepath.Join(s.root, "profiles.json")
}

func (s *ProfileStore) load() ([]*types.Profile, error) {
	var profiles []*types.Profile
	if err := readJSON(s.path(), &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// Put creates or replaces a profile. Handles are unique ignoring case.
func (s *ProfileStore) Put(_ context.Context, p *types.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile id required", types.ErrValidation)
	}
	if p.Handle == "" && p.DisplayName == "" {
		return fmt.Errorf("%w: profile needs a username or display name", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range profiles {
		if existing.ID == p.ID {
			profiles[i] = p
			replaced = true
			continue
		}
		if p.Handle != "" && strings.EqualFold(existing.Handle, p.Handle) {
			return fmt.Errorf("%w: username %q already taken", types.ErrValidation, p.Handle)
		}
	}
	if !replaced {
		profiles = append(profiles, p)
	}
	return writeJSON(s.path(), profiles)
}

// Get returns the profile with id.
func (s *ProfileStore) Get(_ context.Context, id types.UserID) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("profile %s: %w", id, types.ErrNotFound)
}

// List returns all profiles ordered by display name.
func (s *ProfileStore) List(_ context.Context) ([]*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return strings.ToLower(profiles[i].DisplayName) < strings.ToLower(profiles[j].DisplayName)
	})
	return profiles, nil
}

func (s *ProfileStore) find(match func(*types.Profile) bool) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if match(p) {
			return p, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *ProfileStore) FindByHandle(_ context.Context, handle string) (*types.Profile, error) {
	return s.find(func(p *types.Profile) bool {
		return p.Handle != "" && strings.EqualFold(p.Handle, handle)
	})
}

func (s *ProfileStore) FindByDisplayName(_ context.Context, name string) (*types.Profile, error) {
	return s.find(func(p *types.Profile) bool {
		return p.DisplayName != "" && strings.EqualFold(p.DisplayName, name)
	})
}

// UpdateStatus sets the presence status and last-seen time of id.
func (s *ProfileStore) UpdateStatus(_ context.Context, id types.UserID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if p.ID == id {
			p.Status = status
			seen := at.UTC()
			p.LastSeen = &seen
			return writeJSON(s.path(), profiles)
		}
	}
	return fmt.Errorf("profile %s: %w", id, types.ErrNotFound)
}
