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
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matta/mailsync/internal/classify"
	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/gmailhttp"
	"github.com/matta/mailsync/internal/inbound"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/send"
	"github.com/matta/mailsync/internal/server"
	"github.com/matta/mailsync/internal/session"
	"github.com/matta/mailsync/internal/sync"
	"github.com/matta/mailsync/internal/tracehttp"
)

// app holds the components shared by the sync and serve commands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	addresses classify.Addresses
	db        *persist.DB
	mailbox   *gmail.Client
	engine    *sync.Engine
}

// refreshToken returns the configured refresh token, falling back to the
// system keyring when enabled.
func refreshToken(cfg *config.Config) (string, error) {
	if cfg.Google.RefreshToken != "" || !cfg.Google.Keyring {
		return cfg.Google.RefreshToken, nil
	}
	store, err := credential.Open("")
	if err != nil {
		return "", err
	}
	return store.Get(credential.RefreshTokenKey)
}

func openApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	if err := cfg.Require("mail.me_address", "mail.noreply_address", "google.client_id"); err != nil {
		return nil, err
	}
	token, err := refreshToken(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read refresh token")
	}
	if token == "" {
		return nil, errors.New("no refresh token: set google.refresh_token or run \"mailsync credential set\" with google.keyring enabled")
	}

	cache, err := gmailhttp.New(gmailhttp.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RefreshToken: token,
		TokenURL:     cfg.Google.TokenURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail HTTP client")
	}
	var base http.RoundTripper = http.DefaultTransport
	if cfg.Trace {
		base = tracehttp.Wrap(base, log)
	}
	mailbox, err := gmail.New(ctx, gmailhttp.NewClient(cache, base), log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail")
	}

	db, err := persist.Open(ctx, cfg.Database.Path, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}

	addresses := classify.Addresses{Me: cfg.Mail.MeAddress, Noreply: cfg.Mail.NoreplyAddress}
	return &app{
		cfg:       cfg,
		log:       log,
		addresses: addresses,
		db:        db,
		mailbox:   mailbox,
		engine: &sync.Engine{
			Mailbox:   mailbox,
			Store:     db,
			Addresses: addresses,
			Log:       log,
		},
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) newServer() (*server.Server, error) {
	sessions, err := session.New(a.cfg.Session.Secret)
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		SyncSecret:    a.cfg.Sync.Secret,
		APIKey:        a.cfg.API.Key,
		Addresses:     a.addresses,
		SecureCookies: strings.HasPrefix(a.cfg.PublicURL, "https:"),
	}, server.Deps{
		Sessions: sessions,
		Syncer:   a.engine,
		Sender: &send.Pipeline{
			Mailer:    a.mailbox,
			Store:     a.db,
			Addresses: a.addresses,
			PublicURL: a.cfg.PublicURL,
			Log:       a.log,
		},
		Ingestor: &inbound.Ingestor{
			Secret:     a.cfg.Inbound.Secret,
			Store:      a.db,
			Addresses:  a.addresses,
			VerifyDKIM: a.cfg.Inbound.VerifyDKIM,
			Log:        a.log,
		},
		Attachments: a.mailbox,
		Store:       a.db,
		Log:         a.log,
	}), nil
}

// periodicSync runs incremental passes every interval until ctx ends.
// Failed passes are logged and retried at the next tick.
func periodicSync(ctx context.Context, srv *server.Server, interval time.Duration, log *slog.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := srv.Sync(ctx, false)
			if err != nil {
				log.Error("Periodic sync failed", sloki.WrapError(err))
				continue
			}
			log.Info("Periodic sync done",
				slog.Int("fetched", res.Fetched),
				slog.Int("upserted", res.Upserted),
				slog.Bool("has_more", res.HasMore))
		}
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run periodic syncs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Require("session.secret", "public_url", "http.addr"); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := a.newServer()
			if err != nil {
				return err
			}
			hs := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("Listening", slog.String("addr", hs.Addr))
				if err := hs.ListenAndServe(); err != http.ErrServerClosed {
					return errors.Wrap(err, "serving HTTP")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
				defer done()
				return hs.Shutdown(shutdownCtx)
			})
			if cfg.Sync.Interval > 0 {
				g.Go(func() error { return periodicSync(gctx, srv, cfg.Sync.Interval, log) })
			}
			return g.Wait()
		},
	}
}
