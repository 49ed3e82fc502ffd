package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tanq16/danzoq/internal/config"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/output"
	"github.com/tanq16/danzoq/internal/state"
	"github.com/tanq16/danzoq/internal/utils"
)

var (
	outputPath string
	configFile string
	cfg        *config.Config
)

var DanzoqVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "danzoq [URL]",
	Short: "Danzoq is a multi-connection download manager with a bounded queue",
	Long: `Danzoq splits each download over several HTTP range connections, persists
progress so paused or interrupted transfers resume later, and runs batches
under a global concurrency limit.`,
	Version:           DanzoqVersion,
	Args:              cobra.MaximumNArgs(1),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		link := args[0]
		if err := utils.ValidateURL(link); err != nil {
			output.PrintError("Invalid URL format")
			return err
		}
		client := utils.NewHTTPClient(cfg.HTTP())
		destination := resolveOutput(cmd.Context(), client, link, outputPath)
		return runUnits(cmd.Context(), client, 1, func(opts []danzohttp.Option) []*danzohttp.Unit {
			return []*danzohttp.Unit{danzohttp.New(link, destination, cfg.Download(), opts...)}
		})
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the server or URL if not provided)")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file (flags and DANZOQ_* env override it)")
	flags.IntP("connections", "c", utils.DefaultConnections, "Maximum connections per download (above 5 enables high-thread-mode)")
	flags.IntP("workers", "w", utils.DefaultWorkers, "Number of downloads running in parallel")
	flags.String("limit", "", "Global speed limit per download, split across its connections (eg. 500KB, 2MB)")
	flags.DurationP("timeout", "t", utils.DefaultTimeout, "Connection and idle read timeout (eg. 30s, 2m)")
	flags.DurationP("keep-alive-timeout", "k", utils.DefaultKATimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.Int("retries", utils.DefaultRetries, "Attempts per connection before a download fails")
	flags.Duration("retry-delay", utils.DefaultRetryDelay, "Base delay between attempts, grows linearly")
	flags.Duration("stagger", utils.DefaultStaggerDelay, "Delay between opening consecutive connections")
	flags.StringP("user-agent", "a", utils.ToolUserAgent, "User agent (use 'randomize' for a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.Bool("overwrite", false, "Replace an existing output file instead of picking a new name")
	flags.String("state", state.DefaultFile, "State file used to pause and resume downloads")
	flags.String("log-file", "", "Write logs to this file instead of stderr")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address (eg. :9090)")
	flags.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// setup resolves the layered configuration and the logger before any
// command runs.
func setup(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	loaded, err := config.Load(v, configFile)
	if err != nil {
		output.PrintError("Invalid configuration")
		return err
	}
	splitProxyAuth(loaded)
	cfg = loaded

	utils.InitLogger(cfg.Debug)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		utils.SetLogOutput(f)
	}
	return nil
}

// splitProxyAuth moves credentials embedded in the proxy URL to the
// dedicated fields.
func splitProxyAuth(c *config.Config) {
	parsedProxy, err := u.Parse(c.Proxy)
	if err != nil || parsedProxy.User == nil || c.ProxyUsername != "" {
		return
	}
	c.ProxyUsername = parsedProxy.User.Username()
	if password, set := parsedProxy.User.Password(); set {
		c.ProxyPassword = password
	}
	parsedProxy.User = nil
	c.Proxy = parsedProxy.String()
}

// resolveOutput picks the destination of a download: the explicit path, else
// the server-suggested name, else the last URL segment.
func resolveOutput(ctx context.Context, client *utils.HTTPClient, link, explicit string) string {
	if explicit != "" {
		return explicit
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if result, err := danzohttp.Probe(probeCtx, client, link); err == nil && result.Filename != "" {
		return result.Filename
	}
	return utils.OutputNameFromURL(link)
}
