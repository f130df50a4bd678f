package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ip2tor/shop/internal/config"
	shophttp "github.com/ip2tor/shop/internal/http"
	"github.com/ip2tor/shop/internal/tasks"
)

type serveCmd struct {
	configPath *string
	addr       string
	withWorker bool
}

func (c *serveCmd) run(ctx context.Context) error {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	addr := c.addr
	if addr == "" {
		addr = ":" + cfg.Server.Port
	}
	server := shophttp.NewServer(cfg, a.httpServices())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, addr) })
	if c.withWorker {
		runBackground(ctx, g, a, true, true)
	}
	return g.Wait()
}

func newServeCmd(configPath *string) *cobra.Command {
	c := &serveCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the public, host and admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx)
		},
	}
	cmd.Flags().StringVar(&c.addr, "addr", "", "Address to listen on (default :<server.port>)")
	cmd.Flags().BoolVar(&c.withWorker, "with-worker", false, "Also run the task worker, the periodic jobs and the settlement streams")
	return cmd
}

type workerCmd struct {
	configPath  *string
	concurrency int
	noPeriodic  bool
	noStreams   bool
}

func (c *workerCmd) run(ctx context.Context) error {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	if c.concurrency > 0 {
		cfg.Worker.Concurrency = c.concurrency
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	runBackground(ctx, g, a, !c.noPeriodic, !c.noStreams)
	return g.Wait()
}

// runBackground adds the task worker to g, plus the periodic scheduler and
// the settlement streams when asked for.
func runBackground(ctx context.Context, g *errgroup.Group, a *app, periodic, streams bool) {
	worker := tasks.NewWorker(a.queue, a.cfg.Worker.Concurrency)
	a.taskHandlers().Register(worker)
	g.Go(func() error { return worker.Run(ctx) })

	if periodic {
		p := tasks.NewPeriodic(a.queue, a.periodicJobs()...)
		g.Go(func() error { return p.Run(ctx) })
	}
	if streams {
		g.Go(func() error { return a.settle.Run(ctx) })
	}
	log.Info().
		Int("concurrency", a.cfg.Worker.Concurrency).
		Bool("periodic", periodic).
		Bool("streams", streams).
		Msg("background processing started")
}

func newWorkerCmd(configPath *string) *cobra.Command {
	c := &workerCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued tasks, schedule periodic jobs and follow node settlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx)
		},
	}
	cmd.Flags().IntVar(&c.concurrency, "concurrency", 0, "Number of parallel task consumers (default worker.concurrency)")
	cmd.Flags().BoolVar(&c.noPeriodic, "no-periodic", false, "Do not schedule the periodic jobs from this process")
	cmd.Flags().BoolVar(&c.noStreams, "no-streams", false, "Do not subscribe to node settlement streams")
	return cmd
}
