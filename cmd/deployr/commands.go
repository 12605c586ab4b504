package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/logger"
)

type agentFactory func(ctx context.Context, cfg deployr.Config, opts deployr.Options) (*deployr.Agent, error)

// command binds CLI handlers to an agent built per invocation.
type command struct {
	global   *GlobalFlags
	newAgent agentFactory
	// opts is the template passed to newAgent; tests inject fakes here.
	opts   deployr.Options
	out    io.Writer
	errOut io.Writer
}

// withAgent loads configuration, builds the agent, runs fn and then writes
// the metrics textfile and releases the agent.
func (c command) withAgent(ctx context.Context, fn func(*deployr.Agent) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := deployr.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return err
	}
	log, closer, err := logger.NewSlogger(cfg.Log.Logger(), c.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	opts := c.opts
	opts.Out = c.out
	opts.Logger = log
	agent, err := c.newAgent(ctx, *cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if werr := agent.WriteMetrics(); werr != nil {
			log.Warn("write metrics textfile", "error", werr)
		}
		err = errors.Join(err, agent.Close())
	}()
	return fn(agent)
}

func (c command) Register(ctx context.Context, f RegisterFlags) error {
	return c.withAgent(ctx, func(a *deployr.Agent) error {
		url := f.URL
		if url == "" {
			url = a.Config().Platform.URL
		}
		_, err := a.Register(ctx, deployr.RegisterRequest{URL: url, Token: f.Token, Port: f.Port})
		return err
	})
}

func (c command) List(ctx context.Context) error {
	return c.withAgent(ctx, func(a *deployr.Agent) error {
		units, err := a.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(c.out, units)
	})
}

// target dispatches to the single-port or all-units variant.
func (c command) target(cmd *cobra.Command, f TargetFlags, one func(*deployr.Agent, context.Context, int) error, all func(*deployr.Agent, context.Context) error) error {
	ctx := cmd.Context()
	return c.withAgent(ctx, func(a *deployr.Agent) error {
		if f.All {
			return all(a, ctx)
		}
		return one(a, ctx, f.Port)
	})
}

func (c command) Unregister(cmd *cobra.Command, f TargetFlags) error {
	return c.target(cmd, f, (*deployr.Agent).Unregister, (*deployr.Agent).UnregisterAll)
}

func (c command) Run(cmd *cobra.Command, f TargetFlags) error {
	return c.target(cmd, f, (*deployr.Agent).Run, (*deployr.Agent).RunAll)
}

func (c command) Update(cmd *cobra.Command, f TargetFlags) error {
	return c.target(cmd, f, (*deployr.Agent).Update, (*deployr.Agent).UpdateAll)
}

func (c command) Stop(cmd *cobra.Command, f TargetFlags) error {
	return c.target(cmd, f, (*deployr.Agent).Stop, (*deployr.Agent).StopAll)
}
