package jobs

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	configs    map[int64]*JobConfiguration
	statistics map[int64][]JobStatistics
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:    make(map[int64]*JobConfiguration),
		statistics: make(map[int64][]JobStatistics),
	}
}

func (s *MemoryStore) FindConfigurations(_ context.Context, filter func(*JobConfiguration) bool) ([]*JobConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*JobConfiguration, 0, len(s.configs))
	for _, c := range s.configs {
		if filter == nil || filter(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertConfiguration(_ context.Context, config *JobConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if config.ID == 0 {
		s.nextID++
		config.ID = s.nextID
	} else if _, exists := s.configs[config.ID]; exists {
		return errors.Newf("job %d already exists", config.ID)
	}
	if config.ID > s.nextID {
		s.nextID = config.ID
	}
	s.configs[config.ID] = config.Clone()
	return nil
}

func (s *MemoryStore) UpdateConfiguration(_ context.Context, config *JobConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[config.ID]; !ok {
		return errors.Wrapf(ErrJobNotFound, "job %d", config.ID)
	}
	s.configs[config.ID] = config.Clone()
	return nil
}

func (s *MemoryStore) DeleteConfiguration(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return errors.Wrapf(ErrJobNotFound, "job %d", id)
	}
	delete(s.configs, id)
	delete(s.statistics, id)
	return nil
}

func (s *MemoryStore) InsertStatistics(_ context.Context, stats JobStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statistics[stats.JobID] = append(s.statistics[stats.JobID], stats)
	return nil
}

func (s *MemoryStore) LatestStatistics(_ context.Context, jobID int64) (*JobStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *JobStatistics
	for i := range s.statistics[jobID] {
		st := s.statistics[jobID][i]
		if latest == nil || st.StartTime.After(latest.StartTime) {
			latest = &st
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListStatistics(_ context.Context, jobID int64, limit int) ([]JobStatistics, error) {
	s.mu.RLock()
	all := append([]JobStatistics(nil), s.statistics[jobID]...)
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) Close() error { return nil }
