package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/poisync/internal/poisync"
	"github.com/agentworkforce/poisync/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "poisync-client"

type clientConfig struct {
	Server   string
	User     string
	Device   string
	StateDir string
	Timeout  time.Duration
	JSON     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Sync favorites, cached POIs and search history with a poisync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindConfig(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("server", "http://127.0.0.1:8080", "poisync server base URL")
	flags.String("user", "", "user id")
	flags.String("device", "", "device id")
	flags.String("state-dir", "", "directory for the watermark, outbox and mirror")
	flags.Duration("timeout", 15*time.Second, "per-request timeout")
	flags.Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		newFavoriteCmd(v),
		newSearchCmd(v),
		newEnqueueCmd(v),
		newSyncCmd(v),
		newWatchCmd(v),
		newStatusCmd(v),
		newStatsCmd(v),
	)
	return cmd
}

func bindConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("POISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (clientConfig, error) {
	cfg := clientConfig{
		Server:   strings.TrimSpace(v.GetString("server")),
		User:     strings.TrimSpace(v.GetString("user")),
		Device:   strings.TrimSpace(v.GetString("device")),
		StateDir: strings.TrimSpace(v.GetString("state-dir")),
		Timeout:  v.GetDuration("timeout"),
		JSON:     v.GetBool("json"),
	}
	if cfg.User == "" {
		return cfg, fmt.Errorf("user is required (--user or POISYNC_USER)")
	}
	if cfg.Device == "" {
		host, _ := os.Hostname()
		cfg.Device = host
	}
	if cfg.StateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		cfg.StateDir = filepath.Join(base, appName, cfg.User)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return cfg, nil
}

func openSyncer(v *viper.Viper) (clientConfig, *syncclient.HTTPClient, *syncclient.Syncer, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return cfg, nil, nil, err
	}
	client := syncclient.NewHTTPClient(cfg.Server, &http.Client{Timeout: cfg.Timeout})
	syncer, err := syncclient.NewSyncer(client, syncclient.SyncerOptions{
		UserID:   cfg.User,
		DeviceID: cfg.Device,
		Dir:      cfg.StateDir,
		Logger:   log.New(os.Stderr, "", log.LstdFlags),
	})
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, client, syncer, nil
}

func newFavoriteCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "favorite",
		Short: "Queue favorite changes",
	}

	add := &cobra.Command{
		Use:   "add <poiId> <name>",
		Short: "Mark a POI as favorite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			fav := poisync.FavoritePOI{PoiID: args[0], Nombre: args[1]}
			fav.Categoria, _ = cmd.Flags().GetString("category")
			fav.Direccion, _ = cmd.Flags().GetString("address")
			if cmd.Flags().Changed("lat") {
				lat, _ := cmd.Flags().GetFloat64("lat")
				fav.Lat = &lat
			}
			if cmd.Flags().Changed("lon") {
				lon, _ := cmd.Flags().GetFloat64("lon")
				fav.Lon = &lon
			}
			if err := syncer.Enqueue(syncclient.Changes{Favorites: []poisync.FavoritePOI{fav}}); err != nil {
				return err
			}
			return printResult(cmd, cfg, fav, fmt.Sprintf("queued favorite %s", fav.PoiID))
		},
	}
	add.Flags().String("category", "", "POI category")
	add.Flags().String("address", "", "POI address")
	add.Flags().Float64("lat", 0, "latitude")
	add.Flags().Float64("lon", 0, "longitude")

	remove := &cobra.Command{
		Use:   "remove <poiId>",
		Short: "Remove a favorite on every device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			// A tombstone still carries a name; reuse the mirrored one when known.
			fav := poisync.FavoritePOI{PoiID: args[0], Nombre: args[0], Deleted: true}
			snap, err := syncer.Snapshot()
			if err != nil {
				return err
			}
			for _, known := range snap.Favorites {
				if known.PoiID == fav.PoiID {
					fav = known
					fav.Deleted = true
					fav.CreatedAt, fav.UpdatedAt = nil, nil
				}
			}
			if err := syncer.Enqueue(syncclient.Changes{Favorites: []poisync.FavoritePOI{fav}}); err != nil {
				return err
			}
			return printResult(cmd, cfg, fav, fmt.Sprintf("queued removal of %s", fav.PoiID))
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func newSearchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Record a search in the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			searchType, _ := cmd.Flags().GetString("type")
			row := poisync.SearchHistory{SearchQuery: args[0], SearchType: searchType, DeviceID: cfg.Device}
			if err := syncer.Enqueue(syncclient.Changes{SearchHistory: []poisync.SearchHistory{row}}); err != nil {
				return err
			}
			return printResult(cmd, cfg, row, fmt.Sprintf("queued search %q", row.SearchQuery))
		},
	}
	cmd.Flags().String("type", "", "search type")
	return cmd
}

func newEnqueueCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <changes.json>",
		Short: "Queue a JSON file of favorites, cached and searchHistory changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var changes syncclient.Changes
			if err := json.Unmarshal(data, &changes); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			if err := syncer.Enqueue(changes); err != nil {
				return err
			}
			return printResult(cmd, cfg, map[string]int{"queued": changes.Len()}, fmt.Sprintf("queued %d changes", changes.Len()))
		},
	}
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes and pull server changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			if full, _ := cmd.Flags().GetBool("full"); full {
				if err := syncer.Reset(); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.Timeout)
			defer cancel()
			result, err := syncer.SyncOnce(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd, cfg, result, formatSyncResult(result))
		},
	}
	cmd.Flags().Bool("full", false, "discard the watermark and pull everything")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync on every outbox change and at a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			jitter, _ := cmd.Flags().GetFloat64("interval-jitter")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return syncer.Watch(ctx, syncclient.WatchOptions{
				Interval: interval,
				Jitter:   jitter,
				Timeout:  2 * cfg.Timeout,
				OnCycle: func(result syncclient.SyncResult, err error) {
					if err == nil {
						_ = printResult(cmd, cfg, result, formatSyncResult(result))
					}
				},
			})
		},
	}
	cmd.Flags().Duration("interval", 30*time.Second, "periodic sync interval (0 disables)")
	cmd.Flags().Float64("interval-jitter", 0.2, "periodic sync jitter ratio (0.0-1.0)")
	return cmd
}

type statusReport struct {
	User       string     `json:"user"`
	Device     string     `json:"device"`
	StateDir   string     `json:"stateDir"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	Pending    int        `json:"pending"`
	Favorites  int        `json:"favorites"`
	Cached     int        `json:"cached"`
	Searches   int        `json:"searchHistory"`
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local watermark, outbox and mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, syncer, err := openSyncer(v)
			if err != nil {
				return err
			}
			watermark, err := syncer.LastSyncAt()
			if err != nil {
				return err
			}
			pending, err := syncer.Pending()
			if err != nil {
				return err
			}
			snap, err := syncer.Snapshot()
			if err != nil {
				return err
			}
			report := statusReport{
				User:       cfg.User,
				Device:     cfg.Device,
				StateDir:   cfg.StateDir,
				LastSyncAt: watermark,
				Pending:    pending.Len(),
				Favorites:  len(snap.Favorites),
				Cached:     len(snap.Cached),
				Searches:   len(snap.SearchHistory),
			}
			last := "never"
			if watermark != nil {
				last = watermark.Format(time.RFC3339)
			}
			text := fmt.Sprintf("user %s on %s: last sync %s, %d pending, %d favorites, %d cached, %d searches",
				report.User, report.Device, last, report.Pending, report.Favorites, report.Cached, report.Searches)
			return printResult(cmd, cfg, report, text)
		},
	}
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server-side record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, _, err := openSyncer(v)
			if err != nil {
				return err
			}
			counts, err := client.Stats(cmd.Context(), cfg.User)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("%d favorites, %d cached, %d searches", counts.Favorites, counts.Cached, counts.SearchHistory)
			return printResult(cmd, cfg, counts, text)
		},
	}
}

func formatSyncResult(result syncclient.SyncResult) string {
	mode := "incremental"
	if result.FullPull {
		mode = "full"
	}
	return fmt.Sprintf("pushed %d, pulled %d (%s), removed %d, watermark %s",
		result.Pushed, result.Pulled, mode, result.Removed, result.LastSyncAt.Format(time.RFC3339Nano))
}

func printResult(cmd *cobra.Command, cfg clientConfig, value any, text string) error {
	if cfg.JSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
