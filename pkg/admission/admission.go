package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/sasha-s/go-deadlock"
)

// PropertyName is the platform property holding the encrypted window.
const PropertyName = "information"

const retryAfterLayout = "2006-01-02 15:04:05"

type Config struct {
	Limit      int
	PeriodDays int
	// Thresholds are occupancy percentages that are reported when crossed upwards
	Thresholds []int
}

func (c Config) period() time.Duration {
	return time.Duration(c.PeriodDays) * 24 * time.Hour
}

// RejectedError is returned when the window is full. RetryAfter is the earliest time a start can succeed.
type RejectedError struct {
	Limit      int
	PeriodDays int
	RetryAfter time.Time
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("Process start limit (%d cases during last %d days) reached. You are not allowed to start a new process until %s.",
		e.Limit, e.PeriodDays, e.RetryAfter.Format(retryAfterLayout))
}

// ConfigurationError aborts startup when the persisted window cannot be trusted.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

const invalidDatabase = "Invalid database. Please reset it and restart."

// ThresholdListener is notified when occupancy crosses a threshold upwards.
type ThresholdListener func(threshold int, occupancy int)

// Controller is a sliding window limiter of root process instance starts.
// The window is owned by the controller and only touched under its mutex.
type Controller struct {
	conf      Config
	store     storage.Storage
	encryptor Encryptor
	logger    hclog.Logger
	listener  ThresholdListener

	mu     deadlock.Mutex
	window []int64
}

type Option func(*Controller)

func WithThresholdListener(l ThresholdListener) Option {
	return func(c *Controller) {
		c.listener = l
	}
}

// NewController returns a *ConfigurationError when the limit or the period is not positive.
func NewController(conf Config, store storage.Storage, encryptor Encryptor, options ...Option) (*Controller, error) {
	if conf.Limit <= 0 {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("admission limit must be positive, got %d", conf.Limit)}
	}
	if conf.PeriodDays <= 0 {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("admission period must be positive, got %d days", conf.PeriodDays)}
	}
	c := &Controller{
		conf:      conf,
		store:     store,
		encryptor: encryptor,
		logger:    hclog.Default().Named("admission"),
		window:    []int64{},
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// InitializePlatform writes an empty window when the platform has none yet.
func (c *Controller) InitializePlatform(ctx context.Context) error {
	_, err := c.store.GetPlatformProperty(ctx, PropertyName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read admission window: %w", err)
	}
	blob, err := c.encode([]int64{})
	if err != nil {
		return err
	}
	return c.store.Update(ctx, func(tx storage.Tx) error {
		return tx.SavePlatformProperty(ctx, PropertyName, blob)
	})
}

// Start loads the persisted window and checks that every root instance started within the period is in it.
func (c *Controller) Start(ctx context.Context, now time.Time) error {
	blob, err := c.store.GetPlatformProperty(ctx, PropertyName)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && strings.TrimSpace(blob) == "") {
		return &ConfigurationError{Msg: invalidDatabase}
	}
	if err != nil {
		return fmt.Errorf("failed to read admission window: %w", err)
	}
	window, err := c.decode(blob)
	if err != nil {
		return &ConfigurationError{Msg: invalidDatabase, Err: err}
	}

	from := now.Add(-c.conf.period())
	window = cleanup(window, from.UnixMilli())

	expected, err := c.committedStarts(ctx, from)
	if err != nil {
		return err
	}
	for _, started := range expected {
		if !slices.Contains(window, started) {
			return &ConfigurationError{
				Msg: invalidDatabase,
				Err: fmt.Errorf("start at %s is missing from the admission window", time.UnixMilli(started).Format(retryAfterLayout)),
			}
		}
	}

	c.mu.Lock()
	c.window = window
	c.mu.Unlock()
	c.logger.Info(fmt.Sprintf("Admission window loaded with %d of %d starts", len(window), c.conf.Limit))
	return nil
}

func (c *Controller) committedStarts(ctx context.Context, from time.Time) ([]int64, error) {
	live, err := c.store.FindProcessInstances(ctx, storage.ProcessInstanceQuery{OnlyRoots: true, StartedAfter: ptr.To(from)})
	if err != nil {
		return nil, fmt.Errorf("failed to read process instances: %w", err)
	}
	archived, err := c.store.FindArchivedProcessInstances(ctx, storage.ArchivedProcessInstanceQuery{OnlyRoots: true, StartedAfter: ptr.To(from)})
	if err != nil {
		return nil, fmt.Errorf("failed to read archived process instances: %w", err)
	}
	starts := make([]int64, 0, len(live)+len(archived))
	for _, pi := range live {
		starts = append(starts, pi.StartedAt.UnixMilli())
	}
	for _, api := range archived {
		starts = append(starts, api.StartedAt.UnixMilli())
	}
	return starts, nil
}

// Verify admits a start at candidate or returns RejectedError. An admitted start is persisted before Verify returns.
func (c *Controller) Verify(ctx context.Context, candidate time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	period := c.conf.period()
	c.window = cleanup(c.window, candidate.Add(-period).UnixMilli())
	if len(c.window) >= c.conf.Limit {
		oldest := slices.Min(c.window)
		return &RejectedError{
			Limit:      c.conf.Limit,
			PeriodDays: c.conf.PeriodDays,
			RetryAfter: time.UnixMilli(oldest).Add(period),
		}
	}

	c.window = append(c.window, candidate.UnixMilli())
	if err := c.persist(ctx, c.window); err != nil {
		c.window = c.window[:len(c.window)-1]
		return err
	}
	c.checkThresholds(len(c.window))
	return nil
}

// Occupancy returns the number of starts in the window.
func (c *Controller) Occupancy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.window)
}

func (c *Controller) checkThresholds(size int) {
	before := (size - 1) * 100 / c.conf.Limit
	after := size * 100 / c.conf.Limit
	for _, t := range c.conf.Thresholds {
		if before < t && after >= t {
			c.logger.Warn(fmt.Sprintf("Process start limit is at %d%% (%d of %d cases during last %d days)", after, size, c.conf.Limit, c.conf.PeriodDays))
			if c.listener != nil {
				c.listener(t, after)
			}
		}
	}
}

func (c *Controller) persist(ctx context.Context, window []int64) error {
	blob, err := c.encode(window)
	if err != nil {
		return err
	}
	err = c.store.Update(ctx, func(tx storage.Tx) error {
		return tx.SavePlatformProperty(ctx, PropertyName, blob)
	})
	if err != nil {
		return fmt.Errorf("failed to persist admission window: %w", err)
	}
	return nil
}

func (c *Controller) encode(window []int64) (string, error) {
	data, err := json.Marshal(window)
	if err != nil {
		return "", fmt.Errorf("failed to encode admission window: %w", err)
	}
	blob, err := c.encryptor.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt admission window: %w", err)
	}
	return blob, nil
}

func (c *Controller) decode(blob string) ([]int64, error) {
	data, err := c.encryptor.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	window := []int64{}
	if err := json.Unmarshal(data, &window); err != nil {
		return nil, fmt.Errorf("failed to decode admission window: %w", err)
	}
	return window, nil
}

// cleanup drops timestamps older than from.
func cleanup(window []int64, from int64) []int64 {
	return slices.DeleteFunc(window, func(ts int64) bool {
		return ts < from
	})
}
