package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipproxy/config"
	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/sip"
)

func newResolveCmd(cfgPath *string) *cobra.Command {
	var (
		profileName string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resolve <sip-uri>",
		Short: "Resolve a SIP URI into targets (RFC 3263)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return errtrace.Wrap(err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			ts, err := resolve(ctx, cfg, profileName, args[0])
			if err != nil {
				return errtrace.Wrap(err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ttl %s\n", ts.TTL())
			for _, t := range ts.Expand(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))) { //nolint:gosec
				fmt.Fprintln(w, t)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&profileName, "profile", "p", config.DefaultProfileName, "routing profile giving the resolution policy")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "resolution timeout")
	return cmd
}

func resolve(ctx context.Context, cfg *config.Config, profileName, rawURI string) (dns.Targets, error) {
	profiles, err := cfg.BuildProfiles()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	profile, ok := profiles[profileName]
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unknown profile %q", profileName))
	}

	u, err := sip.ParseURI(rawURI)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	dst, err := dns.DestinationOf(u)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	loop := eventloop.New(&eventloop.Options{Log: log.Noop})
	go loop.Run(context.Background()) //nolint:errcheck
	defer func() {
		loop.Close()
		<-loop.Done()
	}()

	logger, err := setupLogger(cfg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	pool, err := newPool(cfg, loop, nil, logger)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(pool.Query(profile.DNSConfig()).ResolveWait(ctx, dst))
}
