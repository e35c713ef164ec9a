// Command brgo is the render-farm client. It fans a command out to every
// server in a server-list file: upload a scene, render a frame range, or
// delete a session again.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	log "github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"golang.org/x/net/proxy"

	"github.com/frederik-holfeld/brgo/internal/client"
	"github.com/frederik-holfeld/brgo/internal/config"
)

var (
	logLevel string
	proxyURL string

	logger log.Logger
	dialer proxy.Dialer
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "brgo",
		Short:         "Distributed render farm client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(logLevel)
			if err != nil {
				return err
			}
			dialer = proxy.Direct
			if proxyURL != "" {
				u, err := url.Parse(proxyURL)
				if err != nil {
					return trace.BadParameter("invalid proxy url %q: %v", proxyURL, err)
				}
				dialer, err = proxy.FromURL(u, proxy.Direct)
				if err != nil {
					return trace.Wrap(err, "could not construct proxy dialer from %q", proxyURL)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity: debug, info, warn, error")
	root.PersistentFlags().StringVar(&proxyURL, "proxy", "", "dial servers through this proxy URL (e.g. socks5://host:1080)")
	root.AddCommand(newUploadCmd(), newRenderCmd(), newDeleteCmd())
	return root
}

func newLogger(level string) (log.Logger, error) {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return nil, trace.BadParameter("unknown log level %q", level)
	}
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
	return logger, nil
}

func newClient(serverList string) (*client.Client, error) {
	servers, err := config.LoadServerList(serverList)
	if err != nil {
		return nil, err
	}
	return client.New(servers, dialer, logger), nil
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <server-list> <session> <blend-file>",
		Short: "Upload a scene file to every listed server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(args[0])
			if err != nil {
				return err
			}
			return c.Upload(args[1], args[2])
		},
	}
}

func newRenderCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "render <server-list> <session> <output-dir> <start-frame> [<end-frame>]",
		Short: "Render a frame range across the listed servers",
		Args:  cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.Atoi(args[3])
			if err != nil {
				return trace.BadParameter("start-frame %q is not a number", args[3])
			}
			end := start
			if len(args) == 5 {
				if end, err = strconv.Atoi(args[4]); err != nil {
					return trace.BadParameter("end-frame %q is not a number", args[4])
				}
			}

			c, err := newClient(args[0])
			if err != nil {
				return err
			}
			stats, err := c.Render(args[1], args[2], start, end, format)
			if err != nil {
				return err
			}
			fmt.Printf("Done. %d frame(s) rendered in %.3f seconds (%.3f seconds per frame on average).\n",
				stats.Frames, stats.Elapsed.Seconds(), stats.PerFrame.Seconds())
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "render-format", "F", "", "encoder hint forwarded to the render backend")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <server-list> <session>",
		Short: "Delete a session's scene file from every listed server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(args[0])
			if err != nil {
				return err
			}
			return c.Delete(args[1])
		},
	}
}
