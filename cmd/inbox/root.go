package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-inbox/internal/api"
	"github.com/pelusa-v/pelusa-inbox/internal/config"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/session"
)

var version = "dev"

type rootOptions struct {
	user string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "inbox",
		Short:         "Terminal client for the pelusa inbox",
		Long:          "inbox lists your conversations, opens a live timeline and sends messages with attachments.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&opts.user, "user", "u", "", "act as this user id (sets INBOX_USER_ID and INBOX_TOKEN)")

	cmd.AddCommand(
		newListCmd(opts),
		newOpenCmd(opts),
		newSendCmd(opts),
		newStartCmd(opts),
	)
	return cmd
}

// clientConfig loads the client configuration. --user stands in for both the
// identity and the token, which is what the devserver expects.
func (o *rootOptions) clientConfig() (config.ClientConfig, error) {
	cfg, err := config.Load(config.ServiceClient)
	if err != nil {
		return config.ClientConfig{}, err
	}
	logger.Setup(cfg)
	if o.user != "" {
		cfg.Client.UserID = o.user
		cfg.Client.Token = o.user
	}
	if err := cfg.Client.RequireIdentity(); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg.Client, nil
}

func (o *rootOptions) apiClient() (*api.Client, config.ClientConfig, error) {
	cfg, err := o.clientConfig()
	if err != nil {
		return nil, cfg, err
	}
	return api.New(api.Options{BaseURL: cfg.APIURL, Token: cfg.Token, Timeout: cfg.HTTPTimeout}), cfg, nil
}

// startSession connects a full session. The caller closes it.
func (o *rootOptions) startSession(ctx context.Context) (*session.Session, error) {
	cfg, err := o.clientConfig()
	if err != nil {
		return nil, err
	}
	s, err := session.New(session.Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
