package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cory-johannsen/botfleet/internal/control"
)

const (
	keyAddr     = "addr"
	keyPassword = "password"
	keyTimeout  = "timeout"
)

// app carries the resolved connection settings shared by every subcommand.
type app struct {
	v *viper.Viper
}

func (a *app) dial() (*control.Client, error) {
	addr := a.v.GetString(keyAddr)
	c, err := control.Dial(addr, a.v.GetString(keyPassword))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return c, nil
}

// callCtx bounds a unary call by the --timeout flag.
func (a *app) callCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.v.GetDuration(keyTimeout))
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BOTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "botctl",
		Short:         "Control a running bot fleet server",
		Long:          "botctl starts and stops bot sessions, sends chat as a bot, lists accounts and sessions, and streams live fleet events from a bot fleet server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(keyAddr, "127.0.0.1:50061", "gRPC ControlService address (env BOTCTL_ADDR)")
	flags.String(keyPassword, "", "operator password (env BOTCTL_PASSWORD)")
	flags.Duration(keyTimeout, 10*time.Second, "timeout for a single request")
	for _, key := range []string{keyAddr, keyPassword, keyTimeout} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	a := &app{v: v}
	rootCmd.AddCommand(
		newStartCmd(a),
		newStopCmd(a),
		newChatCmd(a),
		newAccountsCmd(a),
		newSessionsCmd(a),
		newWatchCmd(a),
		newHashPasswordCmd(),
	)
	return rootCmd
}
