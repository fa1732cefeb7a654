package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/geppetto/pkg/inference/engine/factory"
	geppettolayers "github.com/go-go-golems/geppetto/pkg/layers"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/reasonance/pkg/archive"
	"github.com/go-go-golems/reasonance/pkg/broadcast"
	"github.com/go-go-golems/reasonance/pkg/manager"
	rediscfg "github.com/go-go-golems/reasonance/pkg/redisstream"
	"github.com/go-go-golems/reasonance/pkg/server"
	"github.com/go-go-golems/reasonance/pkg/transcribe"
)

type ServeSettings struct {
	Addr                   string `glazed.parameter:"addr"`
	ArchiveDSN             string `glazed.parameter:"archive-dsn"`
	InactiveTimeoutSeconds int    `glazed.parameter:"inactive-timeout-seconds"`
	SweepIntervalSeconds   int    `glazed.parameter:"sweep-interval-seconds"`
	Debug                  bool   `glazed.parameter:"debug"`
}

type ServeCommand struct {
	*cmds.CommandDescription
}

func NewServeCommand() (*ServeCommand, error) {
	geLayers, err := geppettolayers.CreateGeppettoLayers()
	if err != nil {
		return nil, errors.Wrap(err, "create geppetto layers")
	}
	redisLayer, err := rediscfg.NewParameterLayer()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the discussion session API with live SSE and WebSocket streams"),
		cmds.WithFlags(
			parameters.NewParameterDefinition("addr", parameters.ParameterTypeString,
				parameters.WithDefault(":8000"), parameters.WithHelp("HTTP listen address")),
			parameters.NewParameterDefinition("archive-dsn", parameters.ParameterTypeString,
				parameters.WithDefault("reasonance-archives.db"), parameters.WithHelp("SQLite DSN for archived sessions")),
			parameters.NewParameterDefinition("inactive-timeout-seconds", parameters.ParameterTypeInteger,
				parameters.WithDefault(300), parameters.WithHelp("Idle seconds before a session is archived")),
			parameters.NewParameterDefinition("sweep-interval-seconds", parameters.ParameterTypeInteger,
				parameters.WithDefault(60), parameters.WithHelp("How often to check for inactive sessions, in seconds")),
			parameters.NewParameterDefinition("debug", parameters.ParameterTypeBool,
				parameters.WithDefault(false), parameters.WithHelp("Dump parsed configuration layers as YAML and exit")),
		),
		cmds.WithLayersList(append(geLayers, redisLayer)...),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *layers.ParsedLayers, w io.Writer) error {
	s := &ServeSettings{}
	if err := parsed.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}

	if s.Debug {
		b, err := yaml.Marshal(parsed)
		if err != nil {
			return err
		}
		_, _ = w.Write(b)
		return nil
	}

	rs := rediscfg.Settings{}
	_ = parsed.InitializeStruct("redis", &rs)

	eng, err := factory.NewEngineFromParsedLayers(parsed)
	if err != nil {
		return errors.Wrap(err, "build inference engine")
	}

	var hubOpts []broadcast.Option
	if rs.Enabled {
		pub, sub, err := rediscfg.BuildTransport(rs)
		if err != nil {
			return errors.Wrap(err, "build redis transport")
		}
		hubOpts = append(hubOpts, broadcast.WithTransport(pub, sub))
	}
	hub := broadcast.NewHub(hubOpts...)

	store, err := archive.NewStore(s.ArchiveDSN)
	if err != nil {
		return errors.Wrap(err, "open archive store")
	}

	var transcriber transcribe.Transcriber
	if key := os.Getenv("ASSEMBLYAI_API_KEY"); key != "" {
		transcriber = transcribe.NewAssemblyAI(key)
	} else {
		log.Warn().Msg("ASSEMBLYAI_API_KEY not set, audio uploads will not be transcribed")
	}

	mgr, err := manager.New(hub, store, eng, transcriber, manager.Config{
		InactiveTimeout: time.Duration(s.InactiveTimeoutSeconds) * time.Second,
		SweepInterval:   time.Duration(s.SweepIntervalSeconds) * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "build session manager")
	}

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	hub.Start(srvCtx)
	mgr.Start(srvCtx)

	httpServer := &http.Server{
		Addr:    s.Addr,
		Handler: server.New(mgr, hub).Handler(),
	}

	eg := errgroup.Group{}
	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-srvCtx.Done():
		}

		log.Info().Msg("shutting down")
		srvCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("session manager shutdown error")
		}
		if err := hub.Close(); err != nil {
			log.Error().Err(err).Msg("broadcast hub close error")
		}
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("archive store close error")
		}
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.Addr).Msg("starting reasonance server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	root := &cobra.Command{Use: "reasonance", PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromViper()
	}}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	if err := clay.InitViper("reasonance", root); err != nil {
		cobra.CheckErr(err)
	}

	c, err := NewServeCommand()
	cobra.CheckErr(err)
	command, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(geppettolayers.GetCobraCommandGeppettoMiddlewares))
	cobra.CheckErr(err)
	root.AddCommand(command)
	cobra.CheckErr(root.Execute())
}
