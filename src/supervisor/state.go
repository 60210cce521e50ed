package supervisor

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a managed resource (source connector or
// sink publisher).
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusBackoff    Status = "backoff"
	StatusStopped    Status = "stopped"
)

// ResourceState is the observable state of one managed resource.
type ResourceState struct {
	Status         Status    `json:"status"`
	RetryCount     uint32    `json:"retryCount"`
	LastSeq        uint64    `json:"lastSeq"`
	PublishRetries uint64    `json:"publishRetries"`
	// SeqAnomalies counts sequence regressions observed on the stream.
	SeqAnomalies uint64    `json:"seqAnomalies"`
	LastError    string    `json:"lastError,omitempty"`
	Since        time.Time `json:"since"`
}

// Store holds the state of all managed resources for health reporting.
// Mutated only by the supervisor.
type Store struct {
	mu sync.RWMutex
	m  map[string]*ResourceState
}

func NewStore() *Store {
	return &Store{m: make(map[string]*ResourceState)}
}

func (s *Store) Register(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[name]; !ok {
		s.m[name] = &ResourceState{Status: StatusIdle, Since: time.Now()}
	}
}

func (s *Store) SetStatus(name string, st Status, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(name)
	r.Status = st
	r.Since = time.Now()
	if cause != nil {
		r.LastError = cause.Error()
	}
}

func (s *Store) SetRetryCount(name string, n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).RetryCount = n
}

func (s *Store) SetSeq(name string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).LastSeq = seq
}

func (s *Store) AddPublishRetries(name string, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).PublishRetries += n
}

func (s *Store) AddSeqAnomaly(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).SeqAnomalies++
}

func (s *Store) get(name string) *ResourceState {
	r, ok := s.m[name]
	if !ok {
		r = &ResourceState{Status: StatusIdle, Since: time.Now()}
		s.m[name] = r
	}
	return r
}

// State returns a copy of one resource's state.
func (s *Store) State(name string) (ResourceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[name]
	if !ok {
		return ResourceState{}, false
	}
	return *r, true
}

// Snapshot returns a copy of every resource's state.
func (s *Store) Snapshot() map[string]ResourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ResourceState, len(s.m))
	for name, r := range s.m {
		out[name] = *r
	}
	return out
}
