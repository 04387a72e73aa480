package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sendria/sendria"
	"github.com/sendria/sendria/log"
)

const (
	defaultPidFile = "/var/run/sendria.pid"
)

var (
	configPath string
	pidFile    string

	// flagConfig collects the serve flag values that may override the
	// values read from the config file
	flagConfig sendria.AppConfig

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "start the daemon, the SMTP receiver and the HTTP API",
	}

	signalChannel = make(chan os.Signal, 1) // for trapping SIGHUP and friends
	mainlog       log.Logger

	d sendria.Daemon
)

func init() {
	// log to stderr on startup
	var err error
	mainlog, err = log.GetLogger(log.OutputStderr.String(), "info")
	if err != nil {
		mainlog.WithError(err).Errorf("Failed creating a logger to %s", log.OutputStderr)
	}
	serveCmd.Run = serve
	flags := serveCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c",
		"sendria.conf.json", "Path to the configuration file")
	// intentionally didn't specify default pidFile; value from config is used if flag is empty
	flags.StringVarP(&pidFile, "pidFile", "p",
		"", "Path to the pid file")
	flags.StringVar(&flagConfig.DBPath, "db", "",
		"SQLite database file, in-memory when not set")
	flags.StringVar(&flagConfig.SMTPIP, "smtp-ip", "",
		"IP to bind the SMTP receiver to")
	flags.IntVar(&flagConfig.SMTPPort, "smtp-port", 0,
		"port to bind the SMTP receiver to")
	flags.StringVar(&flagConfig.HTTPIP, "http-ip", "",
		"IP to bind the HTTP API to")
	flags.IntVar(&flagConfig.HTTPPort, "http-port", 0,
		"port to bind the HTTP API to")
	flags.StringVar(&flagConfig.SMTPAuth, "smtp-auth", "",
		"htpasswd file; when set, SMTP requires AUTH PLAIN")
	flags.StringVar(&flagConfig.HTTPAuth, "http-auth", "",
		"htpasswd file; when set, the API requires Basic auth")
	flags.StringVar(&flagConfig.SMTPIdent, "smtp-ident", "",
		"identity announced in the SMTP greeting")
	flags.BoolVar(&flagConfig.NoQuit, "no-quit", false,
		"disable shutting the daemon down through DELETE /api")
	flags.BoolVar(&flagConfig.NoClear, "no-clear", false,
		"disable DELETE /api/messages/")
	flags.StringVar(&flagConfig.CallbackWebhookURL, "callback-webhook-url", "",
		"URL to push a summary of every received message to")
	flags.StringVar(&flagConfig.CallbackWebhookMethod, "callback-webhook-method", "",
		"HTTP method for the webhook")
	flags.StringVar(&flagConfig.CallbackWebhookAuth, "callback-webhook-auth", "",
		"user:password for webhook Basic auth")
	rootCmd.AddCommand(serveCmd)
}

func sigHandler() {
	signal.Notify(signalChannel,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGINT,
		syscall.SIGUSR1,
	)
	for sig := range signalChannel {
		if sig == syscall.SIGUSR1 {
			d.ReopenLogs()
			continue
		}
		// SIGHUP is a shutdown request like the rest; config reloads
		// go through the Daemon API instead
		mainlog.Infof("Shutdown signal caught")
		go func() {
			select {
			// exit if graceful shutdown not finished in 60 sec.
			case <-time.After(time.Second * 60):
				mainlog.Error("graceful shutdown timed out")
				os.Exit(1)
			}
		}()
		d.Shutdown()
		mainlog.Infof("Shutdown completed, exiting.")
		return
	}
}

func serve(cmd *cobra.Command, args []string) {
	logVersion()
	d = sendria.Daemon{Logger: mainlog}
	ac, err := readConfig(configPath, pidFile)
	if err != nil {
		mainlog.WithError(err).Fatal("Error while reading config")
	}
	if err = d.SetConfig(*ac); err != nil {
		mainlog.WithError(err).Fatal("Error while reading config")
	}

	// Check that max clients is not greater than system open file limit.
	if ok, maxClients, fileLimit := sendria.CheckFileLimit(); !ok {
		mainlog.Fatalf("Max clients (%d) is greater than open file limit (%d). "+
			"Please increase your open file limit or decrease max clients.", maxClients, fileLimit)
	}

	if err = d.Start(); err != nil {
		mainlog.WithError(err).Error("Error(s) when starting the daemon")
		os.Exit(1)
	}
	sigHandler()
}

// readConfig is called at startup. The config file is optional unless its
// path was given explicitly; the defaults are enough to run a local trap.
func readConfig(path string, pidFile string) (*sendria.AppConfig, error) {
	var appConfig sendria.AppConfig
	// Note here is the only place we can make an exception to the
	// "treat config values as immutable": the command line flags
	// can override config values
	if _, err := os.Stat(path); err == nil || serveCmd.PersistentFlags().Changed("config") {
		ac, err := d.LoadConfig(path)
		if err != nil {
			return &ac, fmt.Errorf("could not read config file: %s", err.Error())
		}
		appConfig = ac
	}
	applyFlagOverrides(serveCmd.PersistentFlags(), &appConfig)
	// override config pidFile with the flag from the command line
	if len(pidFile) > 0 {
		appConfig.PidFile = pidFile
	} else if len(appConfig.PidFile) == 0 {
		appConfig.PidFile = defaultPidFile
	}
	if verbose {
		appConfig.LogLevel = "debug"
	}
	return &appConfig, nil
}

// applyFlagOverrides copies the values that were set on the command line
// over the ones read from the config file.
func applyFlagOverrides(flags *pflag.FlagSet, ac *sendria.AppConfig) {
	if flags.Changed("db") {
		ac.DBPath = flagConfig.DBPath
	}
	if flags.Changed("smtp-ip") {
		ac.SMTPIP = flagConfig.SMTPIP
	}
	if flags.Changed("smtp-port") {
		ac.SMTPPort = flagConfig.SMTPPort
	}
	if flags.Changed("http-ip") {
		ac.HTTPIP = flagConfig.HTTPIP
	}
	if flags.Changed("http-port") {
		ac.HTTPPort = flagConfig.HTTPPort
	}
	if flags.Changed("smtp-auth") {
		ac.SMTPAuth = flagConfig.SMTPAuth
	}
	if flags.Changed("http-auth") {
		ac.HTTPAuth = flagConfig.HTTPAuth
	}
	if flags.Changed("smtp-ident") {
		ac.SMTPIdent = flagConfig.SMTPIdent
	}
	if flags.Changed("no-quit") {
		ac.NoQuit = flagConfig.NoQuit
	}
	if flags.Changed("no-clear") {
		ac.NoClear = flagConfig.NoClear
	}
	if flags.Changed("callback-webhook-url") {
		ac.CallbackWebhookURL = flagConfig.CallbackWebhookURL
	}
	if flags.Changed("callback-webhook-method") {
		ac.CallbackWebhookMethod = flagConfig.CallbackWebhookMethod
	}
	if flags.Changed("callback-webhook-auth") {
		ac.CallbackWebhookAuth = flagConfig.CallbackWebhookAuth
	}
}
