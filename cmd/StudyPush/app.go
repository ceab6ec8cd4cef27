package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPush/internal/api"
	"github.com/BTreeMap/StudyPush/internal/cache"
	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/lifecycle"
	"github.com/BTreeMap/StudyPush/internal/lockfile"
	"github.com/BTreeMap/StudyPush/internal/messaging"
	"github.com/BTreeMap/StudyPush/internal/protocol"
	"github.com/BTreeMap/StudyPush/internal/recovery"
	"github.com/BTreeMap/StudyPush/internal/schedule"
	"github.com/BTreeMap/StudyPush/internal/scheduler"
	"github.com/BTreeMap/StudyPush/internal/service"
	"github.com/BTreeMap/StudyPush/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// run wires every component and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, f Flags) error {
	lock, err := lockfile.AcquireLock(f.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(store.WithDSN(f.dbDSN))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	e := engine.New(st, engine.WithPollInterval(f.pollInterval), engine.WithMaxAttempts(f.maxAttempts))
	messages := scheduler.NewMessageScheduler(e, nil)
	tracker := lifecycle.NewTracker(st, messages.Naming())
	e.AddListener(tracker)

	sender, err := buildSender(f)
	if err != nil {
		return err
	}
	messaging.NewDispatcher(st, sender, messaging.WithRate(float64(f.sendRate))).Register(e)

	source := protocol.NewFileSource(f.protocolDir,
		cache.WithTTL(f.protocolPathTTL), cache.WithRetryTime(f.protocolPathRetry))
	directory := protocol.NewDirectory(source,
		cache.WithTTL(f.protocolTTL), cache.WithRetryTime(f.protocolRetry))
	gen := schedule.NewGenerator(schedule.WithWorkers(f.generatorWorkers))
	svc := service.New(st, directory, gen, messages)

	manager := recovery.NewManager(
		recovery.EngineJobs{Engine: e},
		recovery.PendingMessages{Store: st, Scheduler: messages},
	)
	if err := manager.RecoverAll(ctx); err != nil {
		slog.Warn("run: recovery incomplete", "error", err)
	}

	refreshAll := func() {
		n, err := svc.RefreshAll(ctx)
		if err != nil {
			slog.Warn("run: schedule refresh had failures", "refreshed", n, "error", err)
			return
		}
		slog.Info("run: schedules refreshed", "refreshed", n)
	}
	if f.refreshCron != "" {
		c := scheduler.NewCron()
		defer c.Stop()
		if err := c.AddJob(f.refreshCron, refreshAll); err != nil {
			return fmt.Errorf("invalid refresh cron %q: %w", f.refreshCron, err)
		}
	}

	apiOpts := []api.Option{api.WithAddr(f.apiAddr)}
	if f.twilioToken != "" && f.twilioCallbackURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioSignature(f.twilioToken, f.twilioCallbackURL))
	}
	server := api.NewServer(svc, tracker, st, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Run(gctx)
		return nil
	})
	if f.watchProtocols {
		g.Go(func() error {
			if err := protocol.Watch(gctx, directory, source, refreshAll); err != nil {
				slog.Warn("run: protocol watching disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	slog.Info("run: StudyPush started", "api_addr", f.apiAddr, "protocol_dir", f.protocolDir)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSender returns the Twilio sender when credentials are configured and
// a logging sender otherwise.
func buildSender(f Flags) (messaging.Sender, error) {
	if f.twilioSID == "" && f.twilioToken == "" {
		slog.Warn("buildSender: no Twilio credentials, messages will only be logged")
		return messaging.LogSender{}, nil
	}
	opts := []messaging.TwilioOption{
		messaging.WithAccountSID(f.twilioSID),
		messaging.WithAuthToken(f.twilioToken),
		messaging.WithFrom(f.twilioFrom),
	}
	if f.twilioCallbackURL != "" {
		opts = append(opts, messaging.WithStatusCallback(f.twilioCallbackURL))
	}
	sender, err := messaging.NewTwilioSender(opts...)
	if err != nil {
		return nil, fmt.Errorf("configure Twilio: %w", err)
	}
	return sender, nil
}
