package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSweepSchedule é usado quando nenhum agendamento é informado.
const DefaultSweepSchedule = "@every 1m"

// Sweeper roda CleanExpired periodicamente usando expressões cron
// ("@every 30s", "*/5 * * * *", ...). Substitui o janitor por ticker:
// o estado agora mora no storage, então a limpeza vira um DELETE agendado.
type Sweeper struct {
	svc      Service
	schedule string
	observer domain.SweepObserver
	log      logrus.FieldLogger

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	running bool
}

type SweeperOption func(*Sweeper)

func WithSweepObserver(o domain.SweepObserver) SweeperOption {
	return func(s *Sweeper) { s.observer = o }
}

func WithSweepLogger(l logrus.FieldLogger) SweeperOption {
	return func(s *Sweeper) { s.log = l }
}

func NewSweeper(svc Service, schedule string, opts ...SweeperOption) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		svc:      svc,
		schedule: schedule,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "ratelimit.sweeper")
	return s
}

// Start valida o agendamento e inicia o cron. Pare cancelando ctx ou chamando Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	// cron novo a cada Start: Stop não remove as entradas do anterior.
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	stop := make(chan struct{})
	s.cron = c
	s.stop = stop
	c.Start()
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("rate limit sweeper started")

	go func() {
		select {
		case <-ctx.Done():
			s.stopRun(stop)
		case <-stop:
		}
	}()
	return nil
}

// RunOnce executa uma varredura imediatamente.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	removed, err := s.svc.CleanExpired(ctx, s.clock())
	if s.observer != nil {
		s.observer.ObserveSweep(removed, err)
	}
	if err != nil {
		s.log.WithError(err).Error("rate limit sweep failed")
		return 0, err
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("rate limit sweep completed")
	} else {
		s.log.Debug("rate limit sweep completed, nothing expired")
	}
	return removed, nil
}

// Stop para o cron e espera a varredura em andamento terminar.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopRun só para se stop ainda for o da execução corrente; um ctx antigo
// cancelado depois de um restart não derruba o cron novo.
func (s *Sweeper) stopRun(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != stop {
		return
	}
	s.stopLocked()
}

func (s *Sweeper) stopLocked() {
	if !s.running {
		return
	}
	close(s.stop)
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("rate limit sweeper stopped")
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun devolve o próximo disparo agendado, ou nil se não estiver rodando.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (s *Sweeper) clock() time.Time {
	if s.svc.Now != nil {
		return s.svc.Now()
	}
	return time.Now()
}
