package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/source"
	"github.com/spf13/cobra"
)

func retryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>...",
		Short: "Reset retry counters and reschedule events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if len(args) == 1 {
				result, err := client.RetryEvent(ctx, args[0])
				if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
					return printErr
				}
				return err
			}
			result, err := client.RetryEvents(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func statsCmd(opts *rootOptions) *cobra.Command {
	var health bool
	var event string
	var mapping string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show event statistics, health, one event or a mapping's sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var out any
			switch {
			case event != "":
				out, err = client.GetEvent(ctx, event)
			case mapping != "":
				out, err = client.SyncStatus(ctx, mapping)
			case health:
				out, err = client.Health(ctx)
			default:
				out, err = client.Stats(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&health, "health", false, "show the health summary instead")
	cmd.Flags().StringVar(&event, "event", "", "show one event by id")
	cmd.Flags().StringVar(&mapping, "mapping", "", "show the sync status of a mapping")
	return cmd
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			token, err := httpapi.MintToken(cfg.Auth.JWTSecret, subject, scopes, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ops", "token subject (rate limit key)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{
		httpapi.ScopeEventsRead, httpapi.ScopeEventsRetry, httpapi.ScopeSyncRead, httpapi.ScopeSyncTrigger,
	}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func sealCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seal <api-token>",
		Short: "Encrypt an instance API token with token_key for the mappings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.TokenKey) == "" {
				return fmt.Errorf("token_key is not configured (RELAYSYNC_TOKEN_KEY)")
			}
			sealer, err := source.NewAESGCM(cfg.TokenKey)
			if err != nil {
				return err
			}
			sealed, err := sealer.Encrypt(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return err
		},
	}
}

// hookCmd registers or removes the relaysync webhook on the external project of a mapping.
func hookCmd(opts *rootOptions) *cobra.Command {
	var mappingID string
	var publicURL string
	var remove int64
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Install, list or remove the webhook for a mapping's external project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.MappingsFile == "" {
				return fmt.Errorf("mappings_file is not configured")
			}
			instances, mappings, err := config.LoadMappings(cfg.MappingsFile)
			if err != nil {
				return err
			}
			registry := relaysync.NewMappingRegistry(instances, mappings)
			mapping, ok := registry.Mapping(mappingID)
			if !ok {
				return fmt.Errorf("unknown mapping %q", mappingID)
			}
			instance, ok := registry.Instance(mapping.InstanceID)
			if !ok {
				return fmt.Errorf("unknown instance %q", mapping.InstanceID)
			}
			var decrypter source.TokenDecrypter = source.Plaintext{}
			if cfg.TokenKey != "" {
				if decrypter, err = source.NewAESGCM(cfg.TokenKey); err != nil {
					return err
				}
			}
			client, err := source.NewProvider(decrypter, cfg.Source.ClientOptions()).Client(instance)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			switch {
			case remove > 0:
				if err := client.DeleteHook(ctx, mapping.ExternalProjectID, remove); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed hook %d\n", remove)
				return err
			case publicURL != "":
				target := strings.TrimRight(publicURL, "/") + "/v1/webhooks/" + instance.ID
				hook, err := client.CreateHook(ctx, mapping.ExternalProjectID, source.RelayHook(target, instance.WebhookSecret))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), hook)
			default:
				hooks, err := client.ListHooks(ctx, mapping.ExternalProjectID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), hooks)
			}
		},
	}
	cmd.Flags().StringVar(&mappingID, "mapping", "", "mapping id (required)")
	cmd.Flags().StringVar(&publicURL, "install", "", "public base URL of this relaysync server; installs the hook")
	cmd.Flags().Int64Var(&remove, "remove", 0, "hook id to remove")
	_ = cmd.MarkFlagRequired("mapping")
	return cmd
}
