package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gofcgi/fcgiserve/fastcgi"
	"github.com/gofcgi/fcgiserve/service"
)

var (
	flagConfig      string
	flagLogLevel    string
	flagMetricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "fcgiserve",
		Short: "FastCGI application runtime",
		Long: "fcgiserve runs a FastCGI application behind a web server,\n" +
			"discovering its transport from the launch environment. Without an\n" +
			"application it serves a diagnostic responder echoing the CGI\n" +
			"variables of each request.",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "", "path to the JSON engine descriptor")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "trace|debug|info|warn|error")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("fcgiserve failed")
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := service.Load(flagConfig)
	if err != nil {
		return err
	}

	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	if flagMetricsAddr != "" {
		cfg.MetricsAddr = flagMetricsAddr
	}

	log := logrus.New()

	if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}

		log.SetLevel(level)
	}

	handlers := fastcgi.Handlers{
		Responder: fastcgi.HandlerFunc(echoResponder),
	}

	container, _, err := service.Build(cfg, handlers, log)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.WithField("signal", sig.String()).Info("shutting down")
		container.Stop()
	}()

	return container.Serve()
}

// echoResponder is the diagnostic application: the CGI variables of the
// request, one per line, sorted.
func echoResponder(req *fastcgi.Request) error {
	if err := req.SetField("Content-Type", "text/plain; charset=us-ascii"); err != nil {
		return err
	}

	params := req.Parameters()

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := fmt.Fprintf(req.Stdout(), "%s=%s\n", name, params[name]); err != nil {
			return err
		}
	}

	return nil
}
