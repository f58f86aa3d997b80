package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/juliankiedaisch/deskgate/cmd/core"
	cmddesktop "github.com/juliankiedaisch/deskgate/cmd/desktop"
	cmdimage "github.com/juliankiedaisch/deskgate/cmd/image"
	cmdothers "github.com/juliankiedaisch/deskgate/cmd/others"
	cmdserve "github.com/juliankiedaisch/deskgate/cmd/serve"
	cmdsession "github.com/juliankiedaisch/deskgate/cmd/session"
	"github.com/juliankiedaisch/deskgate/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deskgate",
		Short: "deskgate - remote desktop edge",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("data-dir", "", "data directory (registry database)")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory (lock, pid, state)")
	cmd.PersistentFlags().String("listen", "", "edge server bind address")

	_ = viper.BindPFlag("data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("listen", cmd.PersistentFlags().Lookup("listen"))

	viper.SetEnvPrefix("DESKGATE")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdserve.Command(cmdserve.Handler{BaseHandler: base}))
	cmd.AddCommand(cmddesktop.Command(cmddesktop.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdimage.Command(cmdimage.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdsession.Command(cmdsession.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands() {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	// Config struct carries json tags only; point the decoder at them.
	jsonTags := func(dc *mapstructure.DecoderConfig) { dc.TagName = "json" }
	if err := viper.Unmarshal(conf, jsonTags); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 10 //nolint:mnd
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// newCommandContext returns a context canceled on SIGINT or SIGTERM.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
