package sshproxy

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drksbr/relaytun/internal/config"
	"github.com/drksbr/relaytun/internal/runtime"
)

type options struct {
	hostID             string
	remoteURL          string
	accessToken        string
	insecureSkipVerify bool
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:     "ssh-proxy",
		Short:   "Bridge stdin/stdout to a host's SSH tunnel (for use as ProxyCommand)",
		Example: `  ssh -o ProxyCommand="relaytun ssh-proxy --host-id %h --remote-url https://relay.example.com" user@my-host`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the SSH stream.
			if err := globals.RedirectLogs(cmd.ErrOrStderr()); err != nil {
				return err
			}
			logger, err := globals.ComponentLogger("ssh-proxy")
			if err != nil {
				return err
			}
			if err := opts.applyEnv(cmd); err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			return Run(cmd.Context(), Config{
				RemoteURL:          opts.remoteURL,
				HostID:             opts.hostID,
				AccessToken:        opts.accessToken,
				InsecureSkipVerify: opts.insecureSkipVerify,
			}, os.Stdin, os.Stdout, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.hostID, "host-id", "", "host to connect to")
	flags.StringVar(&opts.remoteURL, "remote-url", "", "relay base URL, e.g. https://relay.example.com (env RELAYTUN_REMOTE_URL)")
	flags.StringVar(&opts.accessToken, "access-token", "", "bearer token for the relay (env RELAYTUN_ACCESS_TOKEN)")
	flags.BoolVar(&opts.insecureSkipVerify, "insecure-skip-verify", false, "accept invalid TLS certificates (development only)")
	return cmd
}

func (o *options) applyEnv(cmd *cobra.Command) error {
	return config.ApplyFlagEnv(cmd.Flags(), config.FlagEnv{
		"remote-url":   "RELAYTUN_REMOTE_URL",
		"access-token": "RELAYTUN_ACCESS_TOKEN",
	})
}

func (o *options) validate() error {
	o.hostID = strings.ToLower(strings.TrimSpace(o.hostID))
	o.remoteURL = strings.TrimRight(strings.TrimSpace(o.remoteURL), "/")
	switch {
	case o.hostID == "":
		return errors.New("--host-id is required")
	case o.remoteURL == "":
		return errors.New("--remote-url is required")
	case o.accessToken == "":
		return errors.New("--access-token is required")
	}
	return nil
}
