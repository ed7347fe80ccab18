package stream

import "sync/atomic"

// Store holds the current Config snapshot. Readers always observe a whole
// snapshot; updates replace it wholesale.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore merges o onto Defaults and stores the result.
func NewStore(o Overrides) (*Store, error) {
	cfg, err := Merge(Defaults(), o)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&cfg)
	return s, nil
}

// Load returns the current snapshot.
func (s *Store) Load() Config {
	return *s.current.Load()
}

// Update merges o onto the current snapshot and swaps it in. Concurrent
// updates are applied one after another, none is lost.
func (s *Store) Update(o Overrides) (Config, error) {
	for {
		prev := s.current.Load()
		next, err := Merge(*prev, o)
		if err != nil {
			return Config{}, err
		}
		if s.current.CompareAndSwap(prev, &next) {
			return next, nil
		}
	}
}

// Replace swaps in cfg after validating it.
func (s *Store) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}
