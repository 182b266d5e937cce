// Package dispatch runs the scheduled-message loop: every minute it
// loads due schedules, resolves their content, and hands them to the
// paced sender, then advances each schedule's recurrence state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"heraldbot/internal/config"
	"heraldbot/internal/schedule"
	"heraldbot/internal/services/broadcast"
	"heraldbot/pkg/logx"
)

const defaultFetchTimeout = 10 * time.Second

// Store is the persistence slice the loop needs.
type Store interface {
	ListDue(ctx context.Context, asOf time.Time) ([]*schedule.Message, error)
	MarkRun(ctx context.Context, id int64, lastRun time.Time, next *time.Time, status schedule.Status) error
}

// Pacer delivers one text to many targets with pacing between them.
type Pacer interface {
	Send(ctx context.Context, targets []string, text string) []broadcast.TargetResult
}

// Enhancer rewrites message text before delivery. Optional.
type Enhancer interface {
	EnhanceMessage(ctx context.Context, msgContext, text string) (string, error)
}

type Service struct {
	store    Store
	pacer    Pacer
	enhancer Enhancer
	log      logx.Logger

	fetchTimeout time.Duration
	httpc        *http.Client
	now          func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	ticking  bool
	inFlight map[int64]struct{}
}

func New(store Store, pacer Pacer, enhancer Enhancer, cfg config.SchedulerConfig, log logx.Logger) *Service {
	fetchTimeout, _ := config.ParseDurationOrDefault("scheduler.fetch_timeout", cfg.FetchTimeout, defaultFetchTimeout)
	return &Service{
		store:        store,
		pacer:        pacer,
		enhancer:     enhancer,
		log:          log,
		fetchTimeout: fetchTimeout,
		httpc:        &http.Client{Timeout: fetchTimeout},
		now:          time.Now,
		inFlight:     make(map[int64]struct{}),
	}
}

// Start begins the minute tick. It returns immediately; Stop shuts the
// loop down and waits for a running tick to finish.
func (s *Service) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("dispatch: already started")
	}
	c := cron.New()
	if _, err := c.AddFunc("* * * * *", func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("dispatch: register tick: %w", err)
	}
	s.cron = c
	c.Start()
	s.log.Info("dispatch loop started")
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.log.Info("dispatch loop stopped")
}

// Tick processes all currently-due schedules, strictly one at a time.
// Overlapping ticks are skipped so a slow paced send never stacks.
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		s.log.Debug("tick skipped, previous still running")
		return
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	now := s.now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.log.Error("due-schedule query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("processing due schedules", logx.Int("count", len(due)))

	for _, m := range due {
		if ctx.Err() != nil {
			return
		}
		s.processOne(ctx, m)
	}
}

func (s *Service) processOne(ctx context.Context, m *schedule.Message) {
	s.mu.Lock()
	if _, busy := s.inFlight[m.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[m.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, m.ID)
		s.mu.Unlock()
	}()

	log := s.log.With(logx.Int64("schedule", m.ID))

	text, err := s.resolveContent(ctx, m)
	if err != nil {
		// Deferred, not failed: state stays as-is and the next tick
		// retries. Runs with unreachable content are never dropped.
		log.Warn("run deferred", logx.Err(err))
		return
	}

	if m.Enhance && s.enhancer != nil {
		enhanced, err := s.enhancer.EnhanceMessage(ctx, m.Context, text)
		if err != nil {
			log.Warn("enhancement failed, sending original", logx.Err(err))
		} else {
			text = enhanced
		}
	}

	results := s.pacer.Send(ctx, m.Targets, text)
	delivered := 0
	for _, r := range results {
		if r.OK {
			delivered++
		}
	}
	log.Info("schedule run finished",
		logx.Int("targets", len(m.Targets)), logx.Int("delivered", delivered))

	s.advance(ctx, m, log)
}

// advance records the run and computes the schedule's next instant.
// A recurrence that can produce no future run completes the schedule.
func (s *Service) advance(ctx context.Context, m *schedule.Message, log logx.Logger) {
	now := s.now()

	status := schedule.StatusActive
	var next *time.Time

	ran := *m
	ran.LastRunAt = &now
	nextAt, ok, err := schedule.NextRun(ran, now)
	switch {
	case err != nil:
		log.Warn("recurrence invalid, completing schedule", logx.Err(err))
		status = schedule.StatusCompleted
	case !ok:
		status = schedule.StatusCompleted
	default:
		next = &nextAt
	}

	if err := s.store.MarkRun(ctx, m.ID, now, next, status); err != nil {
		log.Error("run state update failed", logx.Err(err))
	}
}

// resolveContent picks the text to send: fetched from the schedule's
// URL when set, else the stored body. A fetch failure falls back to the
// stored body; with neither available the run is deferred.
func (s *Service) resolveContent(ctx context.Context, m *schedule.Message) (string, error) {
	body := strings.TrimSpace(m.Body)

	if m.URL == "" {
		if body == "" {
			return "", ErrContentUnavailable
		}
		return body, nil
	}

	text, err := s.fetchURL(ctx, m.URL)
	if err == nil && text != "" {
		return text, nil
	}
	if body != "" {
		if err != nil {
			s.log.Warn("content fetch failed, using stored body",
				logx.Int64("schedule", m.ID), logx.Err(err))
		}
		return body, nil
	}
	if err == nil {
		err = fmt.Errorf("empty response")
	}
	return "", &contentError{url: m.URL, err: err}
}

func (s *Service) fetchURL(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	// Endpoints may wrap the text as {"message": "..."}; anything else
	// is treated as plain text.
	var wrapped struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Message != "" {
		return strings.TrimSpace(wrapped.Message), nil
	}
	return strings.TrimSpace(string(raw)), nil
}
