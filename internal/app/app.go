// Package app wires the print agent together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recky/print-agent/internal/agent"
	"github.com/recky/print-agent/internal/api"
	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/core"
	"github.com/recky/print-agent/internal/db"
	"github.com/recky/print-agent/internal/logger"
	"github.com/recky/print-agent/internal/webhook"
)

const (
	shutdownTimeout   = 30 * time.Second
	retentionInterval = 6 * time.Hour
)

type App struct {
	cfg      *config.Config
	log      *logger.Std
	temp     *core.TempFiles
	queue    *core.Queue
	conn     *agent.ConnectionManager
	journal  *db.Journal
	webhooks *webhook.Sender
	server   *api.Server
}

// New builds every component. Any error here is a startup failure.
func New(cfg *config.Config, log *logger.Std) (*App, error) {
	a := &App{cfg: cfg, log: log}

	temp, err := core.NewTempFiles(cfg.Printing.TempDir, cfg.Printing.TempCleanupDelay, log.With("temp"))
	if err != nil {
		return nil, err
	}
	a.temp = temp

	if cfg.Journal.Path != "" {
		database, err := db.Open(cfg.Journal.Path)
		if err != nil {
			temp.Close()
			return nil, err
		}
		a.journal = db.NewJournal(database, log.With("journal"))
	}

	a.webhooks = webhook.NewSender(cfg.Webhooks, cfg.Server.AgentName, webhook.Options{}, log.With("webhook"))

	runner := core.ExecRunner{}
	printer := core.NewSystemPrinter(cfg.Printing, runner, temp, log.With("printer"))
	dispatcher := core.NewDispatcher(cfg.Signal, cfg.Cut, runner, log.With("actions"))
	post := core.NewPostPrint(core.NewResolver(cfg.Cut, cfg.Beep), dispatcher, log.With("actions"))

	observers := []core.JobObserver{a.webhooks}
	if a.journal != nil {
		observers = append(observers, a.journal)
	}
	a.queue = core.NewQueue(printer, log.With("queue"),
		core.WithPostPrint(post),
		core.WithObservers(observers...),
		core.WithJobPause(cfg.Queue.JobPause),
	)

	dialer := agent.WebSocketDialer{Header: http.Header{"User-Agent": []string{"print-agent/" + cfg.Server.AgentName}}}
	a.conn = agent.NewConnectionManager(cfg, dialer, a.queue, log.With("connection"), agent.WithNotifier(a.webhooks))

	if cfg.Control.Enabled {
		if !strings.EqualFold(cfg.Logging.Level, "debug") {
			gin.SetMode(gin.ReleaseMode)
		}
		deps := api.Deps{
			AgentName:  cfg.Server.AgentName,
			Connection: a.conn,
			Queue:      a.queue,
			Log:        log.With("api"),
		}
		if a.journal != nil {
			deps.Journal = a.journal
		}
		router, err := api.NewRouter(cfg.Control, deps)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		server, err := api.Listen(cfg.Control.Listen, router, log.With("api"))
		if err != nil {
			a.closeStores()
			return nil, err
		}
		a.server = server
	}

	return a, nil
}

func (a *App) closeStores() {
	a.temp.Close()
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

func (a *App) banner() {
	a.log.Infof("starting %s on %s/%s", a.cfg.Server.AgentName, runtime.GOOS, runtime.GOARCH)
	a.log.Infof("server: %s (auth mode %s, key %s)", a.cfg.Server.URL, a.cfg.Server.AuthMode, a.cfg.Redacted())
	a.log.Infof("temp dir: %s", a.temp.Dir())
	if a.cfg.Printing.DefaultPrinter != "" {
		a.log.Infof("default printer: %s", a.cfg.Printing.DefaultPrinter)
	}
	if a.journal != nil {
		a.log.Infof("job journal: %s (retention %d days)", a.cfg.Journal.Path, a.cfg.Journal.RetentionDays)
	}
	if n := len(a.cfg.Webhooks); n > 0 {
		a.log.Infof("webhooks: %d endpoint(s)", n)
	}
}

// Run serves until ctx is cancelled, then shuts everything down in order and
// logs the final queue statistics.
func (a *App) Run(ctx context.Context) error {
	a.banner()
	a.webhooks.Start()

	var wg sync.WaitGroup
	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.server.Serve()
		}()
	}

	if a.journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.journal.RunRetention(ctx, a.cfg.Journal.RetentionDays, retentionInterval)
		}()
	}

	err := a.conn.Run(ctx)
	a.log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if qerr := a.queue.Stop(shutdownCtx); qerr != nil {
		a.log.Warnf("queue: %v", qerr)
	}
	a.temp.Close()

	if a.server != nil {
		if serr := a.server.Shutdown(shutdownCtx); serr != nil {
			a.log.Warnf("control api shutdown: %v", serr)
		}
	}
	a.webhooks.Stop(shutdownCtx)
	wg.Wait()

	if a.journal != nil {
		if jerr := a.journal.Close(); jerr != nil {
			a.log.Warnf("journal close: %v", jerr)
		}
	}

	stats := a.queue.Stats()
	a.log.Infof("final stats: total=%d processed=%d failed=%d", stats.Total, stats.Processed, stats.Failed)
	if err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	return nil
}
