// Package broadcast delivers one message to many chats with human-like
// pacing between sends.
package broadcast

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"heraldbot/internal/config"
	"heraldbot/pkg/logx"
)

// Sender is the transport slice the service needs.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// TargetResult records the outcome of one target's delivery.
type TargetResult struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// JobStatus is a snapshot of an asynchronous broadcast job.
type JobStatus struct {
	ID        string         `json:"id"`
	Total     int            `json:"total"`
	Done      int            `json:"done"`
	Failed    int            `json:"failed"`
	Running   bool           `json:"running"`
	StartedAt time.Time      `json:"started_at"`
	DoneAt    time.Time      `json:"done_at,omitzero"`
	Results   []TargetResult `json:"results,omitempty"`
}

type Service struct {
	sender Sender
	log    logx.Logger

	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	limiter  *rate.Limiter

	statusMu sync.Mutex
	status   map[string]*JobStatus

	wg sync.WaitGroup
}

func New(sender Sender, cfg config.BroadcastConfig, log logx.Logger) *Service {
	s := &Service{
		sender: sender,
		log:    log,
		status: make(map[string]*JobStatus),
	}
	s.Apply(cfg)
	return s
}

// Apply installs new pacing settings. Safe to call while sends are in
// flight; running jobs pick up the new values on their next gap.
func (s *Service) Apply(cfg config.BroadcastConfig) {
	min, _ := config.ParseDurationOrDefault("broadcast.min_delay", cfg.MinDelay, 8*time.Second)
	max, _ := config.ParseDurationOrDefault("broadcast.max_delay", cfg.MaxDelay, 10*time.Second)
	if max < min {
		max = min
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	s.mu.Lock()
	s.minDelay = min
	s.maxDelay = max
	s.limiter = lim
	s.mu.Unlock()
}

// Send delivers text to every target in order, pausing a random gap
// between consecutive sends. A failing target is recorded and skipped;
// the rest still get the message.
func (s *Service) Send(ctx context.Context, targets []string, text string) []TargetResult {
	results := make([]TargetResult, 0, len(targets))
	for i, target := range targets {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				results = append(results, TargetResult{Target: target, Error: err.Error()})
				continue
			}
		}
		res := TargetResult{Target: target}
		if err := s.sendOne(ctx, target, text); err != nil {
			res.Error = err.Error()
			s.log.Warn("broadcast send failed",
				logx.String("target", target), logx.Err(err))
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	return results
}

// Dispatch starts an asynchronous broadcast and returns its job id.
func (s *Service) Dispatch(ctx context.Context, targets []string, text string) string {
	id := uuid.NewString()

	s.statusMu.Lock()
	s.status[id] = &JobStatus{
		ID:        id,
		Total:     len(targets),
		Running:   true,
		StartedAt: time.Now(),
	}
	s.statusMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		results := s.Send(ctx, targets, text)

		failed := 0
		for _, r := range results {
			if !r.OK {
				failed++
			}
		}

		s.statusMu.Lock()
		if st := s.status[id]; st != nil {
			st.Done = len(results)
			st.Failed = failed
			st.Running = false
			st.DoneAt = time.Now()
			st.Results = results
		}
		s.statusMu.Unlock()

		if failed > 0 {
			s.log.Warn("broadcast job finished with failures",
				logx.String("job", id), logx.Int("total", len(targets)), logx.Int("failed", failed))
		} else {
			s.log.Info("broadcast job finished",
				logx.String("job", id), logx.Int("total", len(targets)))
		}
	}()
	return id
}

// Status returns a copy of the job's current state.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	out := *st
	out.Results = append([]TargetResult(nil), st.Results...)
	return out, true
}

// Wait blocks until all dispatched jobs have finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) sendOne(ctx context.Context, target, text string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return s.sender.SendText(ctx, target, text)
}

func (s *Service) pause(ctx context.Context) error {
	s.mu.Lock()
	min, max := s.minDelay, s.maxDelay
	s.mu.Unlock()

	d := min
	if span := max - min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if d <= 0 {
		return ctx.Err()
	}

	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
