package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/adminclient"
	"github.com/spf13/cobra"
)

var Version = "dev"

type rootOptions struct {
	configPath string
	serverURL  string
	token      string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "relaysync",
		Short:         "Mirror source-control webhooks into internal work-tracking records",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", envOrDefault("RELAYSYNC_CONFIG", ""), "config file (yaml)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOrDefault("RELAYSYNC_SERVER", "http://127.0.0.1:8080"), "relaysync server URL for admin commands")
	root.PersistentFlags().StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYSYNC_TOKEN")), "bearer token for admin commands")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "per-request timeout for admin commands")

	root.AddCommand(
		serveCmd(opts),
		triggerCmd(opts),
		retryCmd(opts),
		statsCmd(opts),
		tokenCmd(opts),
		sealCmd(opts),
		hookCmd(opts),
	)
	return root
}

func (o *rootOptions) adminClient() (*adminclient.Client, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, fmt.Errorf("token is required (--token or RELAYSYNC_TOKEN)")
	}
	return adminclient.New(o.serverURL, o.token, nil), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
