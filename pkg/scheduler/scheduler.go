// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	"github.com/pbinitiative/zencore/pkg/journal"
	"github.com/sasha-s/go-deadlock"
)

// Job is a named one-shot trigger. Names are opaque to the scheduler.
type Job struct {
	Name    string
	FireAt  time.Time
	Payload any
	// generation distinguishes a re-armed job from the one a waiter was started for
	generation uint64
}

// Scheduler arms and cancels named one-shot jobs.
type Scheduler interface {
	// Schedule stores the job unless a job with the same name already exists.
	Schedule(ctx context.Context, job Job) error
	// Cancel removes the job and reports whether it existed.
	Cancel(ctx context.Context, name string) (bool, error)
	Exists(ctx context.Context, name string) (bool, error)
	// ListNames supports "*", "prefix*", "*suffix", "*infix*" and exact filters.
	ListNames(ctx context.Context, filter string) ([]string, error)
}

// Handler runs a fired job. The job is already removed from the scheduler when it runs.
type Handler func(ctx context.Context, job Job)

type SchedulingError struct {
	JobName string
	Msg     string
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to schedule job %s: %s", e.JobName, e.Msg)
}

const (
	tableJob = "job"
	indexId  = "id"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableJob: {
			Name: tableJob,
			Indexes: map[string]*memdb.IndexSchema{
				indexId: {Name: indexId, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
			},
		},
	},
}

type Config struct {
	PollInterval time.Duration
	// MisfireTolerance is how far in the past a fire time may be and still be accepted
	MisfireTolerance time.Duration
}

type waiter struct {
	generation uint64
	cancel     context.CancelFunc
}

// MemoryScheduler keeps jobs in a go-memdb table. A poll loop loads the jobs due before the next poll
// and starts one waiting goroutine per job.
type MemoryScheduler struct {
	db         *memdb.MemDB
	conf       Config
	handler    Handler
	logger     hclog.Logger
	mu         deadlock.Mutex
	waiting    map[string]waiter
	generation uint64
	nextPoll   time.Time
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	// journal keeps jobs across restarts, nil keeps them in memory only
	journal journal.Journal
}

var _ Scheduler = &MemoryScheduler{}

type Option func(s *MemoryScheduler)

// WithJournal persists every scheduled job to j and restores the jobs j holds on creation.
// Restored jobs carry their payload as json.RawMessage.
func WithJournal(j journal.Journal) Option {
	return func(s *MemoryScheduler) {
		s.journal = j
	}
}

func NewMemoryScheduler(conf Config, handler Handler, options ...Option) (*MemoryScheduler, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryScheduler{
		db:      db,
		conf:    conf,
		handler: handler,
		logger:  hclog.Default().Named("scheduler"),
		waiting: map[string]waiter{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range options {
		o(s)
	}
	if s.journal != nil {
		if err := s.restore(ctx); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// storedJob is the journal encoding of a job.
type storedJob struct {
	Name    string          `json:"name"`
	FireAt  time.Time       `json:"fireAt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *MemoryScheduler) restore(ctx context.Context) error {
	rows, err := s.journal.Load(ctx, tableJob)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	for name, data := range rows {
		var stored storedJob
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to decode job %s: %w", name, err)
		}
		s.generation++
		job := Job{Name: stored.Name, FireAt: stored.FireAt, generation: s.generation}
		if stored.Payload != nil {
			job.Payload = stored.Payload
		}
		if err := txn.Insert(tableJob, job); err != nil {
			return fmt.Errorf("failed to restore job %s: %w", name, err)
		}
	}
	txn.Commit()
	if len(rows) > 0 {
		s.logger.Info(fmt.Sprintf("Restored %d jobs", len(rows)))
	}
	return nil
}

// persist writes the job, or its deletion when job is nil, before the scheduler commits it.
func (s *MemoryScheduler) persist(ctx context.Context, name string, job *Job) error {
	if s.journal == nil {
		return nil
	}
	change := journal.Change{Table: tableJob, Key: name}
	if job != nil {
		stored := storedJob{Name: job.Name, FireAt: job.FireAt}
		if job.Payload != nil {
			payload, err := json.Marshal(job.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload of job %s: %w", name, err)
			}
			stored.Payload = payload
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", name, err)
		}
		change.Value = data
	}
	return s.journal.Write(ctx, []journal.Change{change})
}

// SetHandler replaces the handler. It must be called before Start.
func (s *MemoryScheduler) SetHandler(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *MemoryScheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.poll(time.Now())
	s.wg.Add(1)
	go s.run()
}

// Stop cancels all waiting jobs and waits for running handlers. Stored jobs are kept.
func (s *MemoryScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *MemoryScheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.conf.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-ticker.C:
			s.poll(t)
		}
	}
}

func (s *MemoryScheduler) poll(now time.Time) {
	nextPoll := now.Add(s.conf.PollInterval)
	txn := s.db.Txn(false)
	it, err := txn.Get(tableJob, indexId)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to poll jobs for processing: %s", err))
		return
	}
	due := []Job{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		job := raw.(Job)
		if !job.FireAt.After(nextPoll) {
			due = append(due, job)
		}
	}
	s.mu.Lock()
	s.nextPoll = nextPoll
	s.mu.Unlock()
	for _, job := range due {
		s.addWaiter(job)
	}
}

func (s *MemoryScheduler) Schedule(ctx context.Context, job Job) error {
	if job.Name == "" {
		return &SchedulingError{Msg: "job name is empty"}
	}
	now := time.Now()
	if job.FireAt.Before(now.Add(-s.conf.MisfireTolerance)) {
		return &SchedulingError{
			JobName: job.Name,
			Msg:     fmt.Sprintf("fire time %s is in the past", job.FireAt.Format(time.RFC3339)),
		}
	}

	s.mu.Lock()
	s.generation++
	job.generation = s.generation
	s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tableJob, indexId, job.Name)
	if err != nil {
		return &SchedulingError{JobName: job.Name, Msg: err.Error()}
	}
	if existing != nil {
		return nil
	}
	if err := txn.Insert(tableJob, job); err != nil {
		return &SchedulingError{JobName: job.Name, Msg: err.Error()}
	}
	if err := s.persist(ctx, job.Name, &job); err != nil {
		return &SchedulingError{JobName: job.Name, Msg: err.Error()}
	}
	txn.Commit()

	s.mu.Lock()
	inCycle := s.started && !job.FireAt.After(s.nextPoll)
	s.mu.Unlock()
	if inCycle {
		s.addWaiter(job)
	}
	return nil
}

func (s *MemoryScheduler) Cancel(ctx context.Context, name string) (bool, error) {
	deleted, err := s.consume(ctx, name, 0)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}
	s.mu.Lock()
	if w, ok := s.waiting[name]; ok {
		w.cancel()
		delete(s.waiting, name)
	}
	s.mu.Unlock()
	return true, nil
}

// consume deletes the job when it exists and matches the generation, 0 matches any generation.
func (s *MemoryScheduler) consume(ctx context.Context, name string, generation uint64) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableJob, indexId, name)
	if err != nil {
		return false, fmt.Errorf("failed to read job %s: %w", name, err)
	}
	if raw == nil {
		return false, nil
	}
	if generation != 0 && raw.(Job).generation != generation {
		return false, nil
	}
	if err := txn.Delete(tableJob, raw); err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", name, err)
	}
	if err := s.persist(ctx, name, nil); err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", name, err)
	}
	txn.Commit()
	return true, nil
}

func (s *MemoryScheduler) Exists(ctx context.Context, name string) (bool, error) {
	raw, err := s.db.Txn(false).First(tableJob, indexId, name)
	if err != nil {
		return false, fmt.Errorf("failed to read job %s: %w", name, err)
	}
	return raw != nil, nil
}

func (s *MemoryScheduler) ListNames(ctx context.Context, filter string) ([]string, error) {
	match, prefix := compileFilter(filter)
	txn := s.db.Txn(false)
	var it memdb.ResultIterator
	var err error
	if prefix != "" {
		it, err = txn.Get(tableJob, indexId+"_prefix", prefix)
	} else {
		it, err = txn.Get(tableJob, indexId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	names := []string{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		name := raw.(Job).Name
		if match(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// compileFilter returns a matcher and the literal prefix usable for an index scan.
func compileFilter(filter string) (func(string) bool, string) {
	switch {
	case filter == "" || filter == "*":
		return func(string) bool { return true }, ""
	case !strings.Contains(filter, "*"):
		return func(name string) bool { return name == filter }, filter
	}
	leading := strings.HasPrefix(filter, "*")
	trailing := strings.HasSuffix(filter, "*")
	core := strings.Trim(filter, "*")
	switch {
	case leading && trailing:
		return func(name string) bool { return strings.Contains(name, core) }, ""
	case leading:
		return func(name string) bool { return strings.HasSuffix(name, core) }, ""
	case trailing:
		return func(name string) bool { return strings.HasPrefix(name, core) }, core
	}
	// a star in the middle
	before, after, _ := strings.Cut(filter, "*")
	return func(name string) bool {
		return len(name) >= len(before)+len(after) && strings.HasPrefix(name, before) && strings.HasSuffix(name, after)
	}, before
}

func (s *MemoryScheduler) addWaiter(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if w, ok := s.waiting[job.Name]; ok {
		if w.generation == job.generation {
			return
		}
		w.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.waiting[job.Name] = waiter{generation: job.generation, cancel: cancel}
	handler := s.handler
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		t := time.NewTimer(time.Until(job.FireAt))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.fire(ctx, job, handler)
	}()
}

func (s *MemoryScheduler) fire(ctx context.Context, job Job, handler Handler) {
	s.mu.Lock()
	if w, ok := s.waiting[job.Name]; ok && w.generation == job.generation {
		delete(s.waiting, job.Name)
	}
	s.mu.Unlock()

	consumed, err := s.consume(context.WithoutCancel(ctx), job.Name, job.generation)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to consume job %s: %s", job.Name, err))
		return
	}
	if !consumed {
		// cancelled or re-armed in the meantime
		return
	}
	if handler == nil {
		s.logger.Warn(fmt.Sprintf("Job %s fired without a handler", job.Name))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(fmt.Sprintf("Handler of job %s panicked: %v", job.Name, r))
		}
	}()
	handler(context.WithoutCancel(ctx), job)
}

// IsSchedulingError reports whether err was caused by the scheduler rejecting a job.
func IsSchedulingError(err error) bool {
	var se *SchedulingError
	return errors.As(err, &se)
}
