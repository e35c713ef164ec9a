// Command brgod is the render-farm server daemon. It persists uploaded
// scenes in its working directory, renders frames through an external render
// binary, and can both register at parent servers and fan work out to
// children, forming a tree of cooperating nodes.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/inconshreveable/log15"
	"github.com/spf13/cobra"

	"github.com/frederik-holfeld/brgo/internal/config"
	"github.com/frederik-holfeld/brgo/internal/server"
)

const defaultPort = 21816

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath         string
		logLevel        string
		port            int
		parents         string
		children        string
		rendererOptions string
	)

	root := &cobra.Command{
		Use:           "brgod [<work-dir> <render-binary>]",
		Short:         "Distributed render farm server",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			file := &config.ServerFile{}
			if cfgPath != "" {
				loaded, err := config.LoadServerFile(cfgPath)
				if err != nil {
					return err
				}
				file = loaded
			}

			// Positional arguments and flags given on the command line win
			// over the config file.
			workDir := file.WorkDir
			renderer := file.Renderer
			if len(args) > 0 {
				workDir = args[0]
			}
			if len(args) > 1 {
				renderer = args[1]
			}
			if workDir == "" || renderer == "" {
				return trace.BadParameter("a working directory and a render binary are required, via arguments or --config")
			}

			cfg := server.Config{
				WorkDir:  workDir,
				Renderer: renderer,
				Port:     defaultPort,
			}
			if file.Port != 0 {
				cfg.Port = file.Port
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			options := file.RendererOptions
			if cmd.Flags().Changed("renderer-options") {
				options = rendererOptions
			}
			cfg.RendererOptions = strings.Fields(options)

			var err error
			if cfg.Parents, err = file.Endpoints(file.Parents); err != nil {
				return err
			}
			if cfg.Children, err = file.Endpoints(file.Children); err != nil {
				return err
			}
			if cmd.Flags().Changed("parents") {
				if cfg.Parents, err = config.ParseEndpoints(parents); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("children") {
				if cfg.Children, err = config.ParseEndpoints(children); err != nil {
					return err
				}
			}

			level := "info"
			if file.LogLevel != "" {
				level = file.LogLevel
			}
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			lvl, err := log.LvlFromString(level)
			if err != nil {
				return trace.BadParameter("unknown log level %q", level)
			}
			logger := log.New()
			logger.SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
			cfg.Logger = logger

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			return s.ListenAndServe()
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to a YAML configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log verbosity: debug, info, warn, error")
	root.Flags().IntVarP(&port, "port", "p", defaultPort, "listen port")
	root.Flags().StringVar(&parents, "parents", "", `parent servers to register at, as "addr port,addr port"`)
	root.Flags().StringVar(&children, "children", "", `child servers to dispatch to, as "addr port,addr port"`)
	root.Flags().StringVar(&rendererOptions, "renderer-options", "", "extra arguments appended to the renderer command line")
	return root
}
