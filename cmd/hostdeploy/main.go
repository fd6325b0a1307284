// Command hostdeploy pulls the configured remote repository, selects the
// commit this host should run, and drives the rebuild-and-activate
// subprocess — the host-side half of a pull-based configuration deployment
// system.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coreos/hostdeploy/internal/config"
	"github.com/coreos/hostdeploy/internal/deploy"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "main")

var (
	logDebug   bool
	logLevel   = capnslog.NOTICE
	configFlag string

	force           bool
	noMagicRollback bool

	// exitCode is set by the RunE handlers and read once control returns to
	// main, so deferred cleanup (sd_notify STOPPING, context cancellation)
	// always runs before the process exits.
	exitCode int
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitError   = 2
	exitPending = 10
)

func main() {
	root := &cobra.Command{
		Use:           "hostdeploy",
		Short:         "pull-based configuration deployment for this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			startLogging()
		},
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to the TOML config file (defaults to $DEPLOY_CONFIG)")
	root.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "sync, select, build, and activate the target commit",
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&force, "force", false, "deploy even if the target commit matches the current generation")
	runCmd.Flags().BoolVar(&noMagicRollback, "no-magic-rollback", false, "skip the post-activation reachability check")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "report whether an update is pending, without acting on it",
		RunE:  runCheck,
	}

	root.AddCommand(runCmd, checkCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		plog.Errorf("%v", err)
		exitCode = exitError
	}
	os.Exit(exitCode)
}

func startLogging() {
	if logDebug {
		logLevel = capnslog.DEBUG
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		capnslog.SetFormatter(capnslog.NewPrettyFormatter(os.Stderr, logDebug))
	} else {
		capnslog.SetFormatter(capnslog.NewStringFormatter(os.Stderr))
	}
	capnslog.SetGlobalLogLevel(logLevel)
}

func loadSettings() (config.Settings, error) {
	path, err := config.Path(configFlag)
	if err != nil {
		return config.Settings{}, err
	}
	return config.Load(path)
}

func scheduled() bool {
	_, ok := os.LookupEnv("INVOCATION_ID")
	return ok
}

func hostname() (string, error) {
	return os.Hostname()
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		plog.Errorf("loading config: %v", err)
		exitCode = exitError
		return nil
	}
	host, err := hostname()
	if err != nil {
		plog.Errorf("determining hostname: %v", err)
		exitCode = exitError
		return nil
	}

	o := deploy.New(settings, host, scheduled())
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		plog.Debugf("sd_notify READY: %v", err)
	}
	defer func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
			plog.Debugf("sd_notify STOPPING: %v", err)
		}
	}()

	outcome, runErr := o.Run(ctx, deploy.Options{Force: force, NoMagicRollback: noMagicRollback})
	if runErr != nil {
		plog.Errorf("%s: %v", outcome, runErr)
	} else {
		plog.Infof("run finished: %s", outcome)
	}

	switch outcome {
	case deploy.OutcomeSucceed, deploy.OutcomeUpToDate:
		exitCode = exitOK
	case deploy.OutcomeFail:
		exitCode = exitFailed
	default: // OutcomeAbort, OutcomeBusy
		exitCode = exitError
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		plog.Errorf("loading config: %v", err)
		exitCode = exitError
		return nil
	}
	if _, err := os.Stat(settings.ConfigDir); err != nil {
		plog.Errorf("config_dir %q: %v", settings.ConfigDir, err)
		exitCode = exitError
		return nil
	}
	host, err := hostname()
	if err != nil {
		plog.Errorf("determining hostname: %v", err)
		exitCode = exitError
		return nil
	}

	o := deploy.New(settings, host, scheduled())
	res, err := o.Check(cmd.Context())
	if err != nil {
		plog.Errorf("check: %v", err)
		exitCode = exitError
		return nil
	}

	if res.UpToDate {
		plog.Infof("up to date at %s (%s)", res.Target.Commit.Hash, res.Target.Type)
		exitCode = exitOK
		return nil
	}
	plog.Infof("update pending: %s %s (%s)", res.Target.Type, res.Target.Commit.Hash, res.Target.Ref)
	exitCode = exitPending
	return nil
}
