package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TheGojiOG/LocalSM/internal/config"
)

// AllServers in a schedule's server list selects every registered server
const AllServers = "*"

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs configured backup schedules
type Scheduler struct {
	manager   *Manager
	store     *ScheduleStore
	schedules []config.BackupSchedule
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

// NewScheduler validates the schedules and registers them with cron
func NewScheduler(manager *Manager, db *sql.DB, schedules []config.BackupSchedule) (*Scheduler, error) {
	s := &Scheduler{
		manager:   manager,
		store:     NewScheduleStore(db),
		schedules: schedules,
		cron:      cron.New(cron.WithParser(cronParser)),
		entries:   make(map[string]cron.EntryID),
		ctx:       context.Background(),
	}

	for _, schedule := range schedules {
		schedule := schedule
		if _, err := computeNextRun(schedule.Cron, time.Now()); err != nil {
			return nil, fmt.Errorf("invalid cron for schedule %s: %w", schedule.Name, err)
		}
		id, err := s.cron.AddFunc(schedule.Cron, func() { s.run(schedule) })
		if err != nil {
			return nil, fmt.Errorf("failed to register schedule %s: %w", schedule.Name, err)
		}
		s.entries[schedule.Name] = id
	}
	return s, nil
}

// Start begins firing schedules until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	for _, schedule := range s.schedules {
		if next := s.nextRun(schedule.Name); !next.IsZero() {
			if err := s.store.SetNextRun(ctx, schedule.Name, next); err != nil {
				log.Printf("[BackupSchedule] %v", err)
			}
		}
	}
	log.Printf("[BackupSchedule] Started %d schedule(s)", len(s.schedules))

	go func() {
		<-ctx.Done()
		log.Printf("[BackupSchedule] Stopping schedule runner")
		<-s.cron.Stop().Done()
	}()
}

// RunNow executes a schedule immediately
func (s *Scheduler) RunNow(name string) error {
	for _, schedule := range s.schedules {
		if schedule.Name == name {
			return s.run(schedule)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
}

// Runs reports run bookkeeping for every configured schedule
func (s *Scheduler) Runs(ctx context.Context) ([]ScheduleRun, error) {
	runs := make([]ScheduleRun, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		run, err := s.store.GetRun(ctx, schedule.Name)
		if errors.Is(err, sql.ErrNoRows) {
			run = &ScheduleRun{Name: schedule.Name}
		} else if err != nil {
			return nil, err
		}
		run.Cron = schedule.Cron
		run.Servers = schedule.Servers
		runs = append(runs, *run)
	}
	return runs, nil
}

func (s *Scheduler) nextRun(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) run(schedule config.BackupSchedule) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	started := time.Now()
	log.Printf("[BackupSchedule] Running schedule %s", schedule.Name)

	var errs []error
	for _, target := range s.targets(schedule) {
		_, err := s.manager.CreateBackup(ctx, CreateRequest{
			Server:         target,
			Destination:    schedule.Destination,
			CreatedBy:      "scheduler",
			RetentionCount: schedule.RetentionCount,
		})
		if err != nil {
			log.Printf("[BackupSchedule] Backup failed for server %s: %v", target, err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	runErr := errors.Join(errs...)

	next, _ := computeNextRun(schedule.Cron, time.Now())
	if err := s.store.RecordRun(context.WithoutCancel(ctx), schedule.Name, started, next, runErr); err != nil {
		log.Printf("[BackupSchedule] %v", err)
	}
	return runErr
}

func (s *Scheduler) targets(schedule config.BackupSchedule) []string {
	for _, name := range schedule.Servers {
		if strings.TrimSpace(name) == AllServers {
			var ids []string
			for _, info := range s.manager.servers.List() {
				ids = append(ids, info.ID)
			}
			return ids
		}
	}
	return schedule.Servers
}

func computeNextRun(schedule string, from time.Time) (time.Time, error) {
	parsed, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(from), nil
}
