// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/session"
)

var (
	flagConfig string
	flagTrace  bool
)

// loadConfig reads the configuration named by --config and builds the
// process logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	if flagTrace {
		cfg.Trace = true
		cfg.Log.Level = "debug"
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func newLogger(c config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log.level %q", c.Level)
	}
	svc := sloki.NewService(sloki.Configuration{
		URL:          c.LokiURL,
		Service:      "mailsync",
		ConsoleLevel: level,
		LokiLevel:    level,
		EnableLoki:   c.LokiURL != "",
	})
	return slog.New(svc), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSyncCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, syncErr := a.engine.Sync(ctx, full)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			return errors.Wrap(syncErr, "unable to synchronize")
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Restart every partition and refetch stored messages")
	return cmd
}

func newSessionCmd() *cobra.Command {
	var sub, email string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed session token for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Require("session.secret"); err != nil {
				return err
			}
			svc, err := session.New(cfg.Session.Secret)
			if err != nil {
				return err
			}
			token, err := svc.Issue(session.User{Subject: sub, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&sub, "sub", "", "Subject identifier of the owner")
	issue.Flags().StringVar(&email, "email", "", "Email address of the owner")
	issue.Flags().DurationVar(&ttl, "ttl", session.DefaultTTL, "Token lifetime")
	issue.MarkFlagRequired("sub")
	issue.MarkFlagRequired("email")

	cmd := &cobra.Command{Use: "session", Short: "Manage owner sessions"}
	cmd.AddCommand(issue)
	return cmd
}

func newCredentialCmd() *cobra.Command {
	var dir string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the Google refresh token, read from stdin, in the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.Wrap(err, "reading refresh token")
			}
			store, err := credential.Open(dir)
			if err != nil {
				return err
			}
			if err := store.Set(credential.RefreshTokenKey, strings.TrimSpace(line)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Refresh token stored.")
			return nil
		},
	}
	set.Flags().StringVar(&dir, "file-dir", "", "Directory for the encrypted file keyring fallback")

	cmd := &cobra.Command{Use: "credential", Short: "Manage stored credentials"}
	cmd.AddCommand(set)
	return cmd
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mirror a Gmail mailbox into a local store and send mail through it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.config/mailsync/config.yaml)")
	root.PersistentFlags().BoolVarP(&flagTrace, "trace", "T", false, "Log provider HTTP traffic")
	root.AddCommand(newServeCmd(), newSyncCmd(), newSessionCmd(), newCredentialCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Failed", sloki.WrapError(err))
		os.Exit(1)
	}
}
