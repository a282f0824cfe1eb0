// Package scheduler runs the dashboard's calendar jobs: session expiry at
// the broker's day end and the portfolio day reset at market open.
package scheduler

import (
	"time"
	_ "time/tzdata" // CRON_TZ=Asia/Kolkata on hosts without zoneinfo

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

const (
	// SessionExpirySpec fires at midnight IST, when broker tokens lapse.
	SessionExpirySpec = "CRON_TZ=Asia/Kolkata 0 0 * * *"
	// DayResetSpec fires at the NSE open on weekdays.
	DayResetSpec = "CRON_TZ=Asia/Kolkata 15 9 * * 1-5"
)

// Job is one scheduled unit of work.
type Job interface {
	Run() error
	Name() string
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func() error
}

func (j JobFunc) Run() error   { return j.Fn() }
func (j JobFunc) Name() string { return j.JobName }

type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler using standard five-field cron specs. Specs may
// carry a CRON_TZ= prefix.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  observ.Logger("scheduler"),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job on schedule. Examples:
//   - "CRON_TZ=Asia/Kolkata 0 0 * * *" - midnight IST
//   - "@every 30s"                     - every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() { s.run(job) })
	if err != nil {
		return err
	}
	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.run(job)
}

// Next returns the next activation of every registered job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) run(job Job) error {
	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")

	err := job.Run()
	observ.RecordDuration("scheduler_job_duration", time.Since(start), map[string]string{"job": job.Name()})
	if err != nil {
		observ.IncCounter("scheduler_job_failures_total", map[string]string{"job": job.Name()})
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Msg("Job failed")
		return err
	}
	observ.IncCounter("scheduler_job_runs_total", map[string]string{"job": job.Name()})
	s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	return nil
}
