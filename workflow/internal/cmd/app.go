package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	auditsig "github.com/exportcontrol/caseflow/common/audit"
	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/common/messaging/loopback"
	natsclient "github.com/exportcontrol/caseflow/common/messaging/nats"
	"github.com/exportcontrol/caseflow/workflow/internal/audit"
	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/config"
	"github.com/exportcontrol/caseflow/workflow/internal/licence"
	"github.com/exportcontrol/caseflow/workflow/internal/notify"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
	"github.com/exportcontrol/caseflow/workflow/internal/scheduler"
	"github.com/exportcontrol/caseflow/workflow/internal/service"
	"github.com/exportcontrol/caseflow/workflow/internal/sla"
)

// app holds the process-wide collaborators every command builds on.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	repo     *repository.PostgresRepository
	redis    *redis.Client
	broker   messaging.Client
	cal      *calendar.Calendar
	notifier *notify.Publisher
	svc      *service.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.repo, err = repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		opts.MaxRetries = cfg.Redis.MaxRetries
		opts.PoolSize = cfg.Redis.PoolSize
		a.redis = redis.NewClient(opts)
	}

	if cfg.NATS.Enabled {
		ncfg := natsclient.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.MaxReconnects = cfg.NATS.MaxReconnects
		ncfg.ReconnectWait = cfg.NATS.ReconnectWait
		client, err := natsclient.NewClient(ncfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.broker = client
	} else {
		logger.WarnContext(ctx, "NATS disabled, events stay in process")
		a.broker = loopback.New()
	}

	a.cal, err = a.calendar()
	if err != nil {
		return nil, err
	}

	var signer *auditsig.Signer
	if cfg.Audit.SigningKey != "" {
		signer = auditsig.NewSigner(cfg.Audit.SigningKey)
	}
	trail := audit.NewTrail(signer, logger.Component("audit"),
		audit.WithPublisher(a.broker),
		audit.WithDrafts(cfg.Audit.IncludeDrafts))

	a.notifier = notify.NewPublisher(a.broker, logger.Component("notify"))
	opts := []service.Option{service.WithNotifier(a.notifier)}
	if cfg.Flags.RefusalFlagID != "" {
		flagID, err := uuid.Parse(cfg.Flags.RefusalFlagID)
		if err != nil {
			return nil, fmt.Errorf("invalid flags.refusal_flag_id: %w", err)
		}
		opts = append(opts, service.WithRefusalFlag(flagID))
	}
	licences := licence.NewClient(a.broker, cfg.Licence.RequestTimeout, logger.Component("licence"))
	a.svc = service.NewService(a.repo, trail, licences, logger, opts...)
	return a, nil
}

func (a *app) calendar() (*calendar.Calendar, error) {
	loc, err := a.cfg.SLA.Location()
	if err != nil {
		return nil, err
	}
	static, err := calendar.NewHolidaySet(a.cfg.Calendar.StaticHolidays...)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar.static_holidays: %w", err)
	}
	opts := []calendar.GovUKOption{
		calendar.WithURL(a.cfg.Calendar.BankHolidayURL),
		calendar.WithDivision(a.cfg.Calendar.Division),
		calendar.WithFallback(static),
	}
	if a.redis != nil {
		opts = append(opts, calendar.WithCache(calendar.NewRedisHolidayCache(a.redis, a.cfg.Calendar.CacheTTL)))
	}
	return calendar.New(loc, calendar.NewGovUKProvider(a.logger.Component("calendar"), opts...)), nil
}

func (a *app) slaScheduler() (*sla.Scheduler, error) {
	cutoff, err := calendar.ParseClock(a.cfg.SLA.Cutoff)
	if err != nil {
		return nil, err
	}
	return sla.NewScheduler(a.repo, a.cal, a.logger.Component("sla"),
		sla.WithCutoff(cutoff),
		sla.WithRetry(a.cfg.SLA.MaxAttempts, a.cfg.SLA.RetryBackoff)), nil
}

func (a *app) chaser() (*sla.Chaser, error) {
	return sla.NewChaser(a.repo, a.cal, a.notifier, a.logger.Component("chaser"),
		sla.WithChaserWindow(a.cfg.SLA.ChaserMinDays, a.cfg.SLA.ChaserMaxDays))
}

// dailyScheduler wires the nightly jobs. Without Redis there is no
// cross-instance lock.
func (a *app) dailyScheduler() (*scheduler.Scheduler, error) {
	runAt, err := calendar.ParseClock(a.cfg.SLA.RunAt)
	if err != nil {
		return nil, err
	}
	batch, err := a.slaScheduler()
	if err != nil {
		return nil, err
	}
	chaser, err := a.chaser()
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{scheduler.WithChaser(chaser)}
	if a.redis != nil {
		opts = append(opts, scheduler.WithLock(scheduler.NewRedisLock(a.redis), a.cfg.SLA.LockTTL))
	}
	return scheduler.NewScheduler(batch, a.cal, runAt, a.logger.Component("scheduler"), opts...), nil
}

func (a *app) close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("failed to close broker", logging.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", logging.Error(err))
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}
