package dashboard

import (
	"fmt"
	"slices"

	"duecal/internal/assignment"
	appLog "duecal/internal/log"
)

// Filters returns a copy of the title filters.
func (s *Service) Filters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.cfg.Filters)
}

// AddFilter validates and stores a new title filter.
func (s *Service) AddFilter(f string) (string, error) {
	f, err := assignment.ValidateFilter(f)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.cfg.Filters, f) {
		return f, ErrFilterExists
	}
	s.cfg.Filters = append(s.cfg.Filters, f)
	if err := s.persistLocked(); err != nil {
		s.cfg.Filters = slices.DeleteFunc(s.cfg.Filters, func(v string) bool { return v == f })
		return "", err
	}
	appLog.Info("filter added", "filter", f)
	return f, nil
}

// DeleteFilter removes a title filter.
func (s *Service) DeleteFilter(f string) error {
	f, err := assignment.ValidateFilter(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.cfg.Filters, f)
	if i < 0 {
		return ErrFilterNotFound
	}
	prev := slices.Clone(s.cfg.Filters)
	s.cfg.Filters = slices.Delete(s.cfg.Filters, i, i+1)
	if err := s.persistLocked(); err != nil {
		s.cfg.Filters = prev
		return err
	}
	appLog.Info("filter deleted", "filter", f)
	return nil
}

func (s *Service) persistLocked() error {
	if s.cfgPath == "" {
		return nil
	}
	if err := s.cfg.Save(s.cfgPath); err != nil {
		return fmt.Errorf("dashboard: save filters: %w", err)
	}
	return nil
}
