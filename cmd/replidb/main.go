// Command replidb inspects and serves a database image written by
// another process. All subcommands attach readonly; nothing here ever
// modifies the image.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/twlk9/replidb"
)

var (
	flagPath    string
	flagConfig  string
	flagVerify  bool
	flagDebug   bool
	flagStart   string
	flagEnd     string
	flagLimit   int
	flagListen  string
	flagPollDur time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "replidb",
		Short:         "readonly access to a replicated database image",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagPath, "path", "", "database image directory")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML options file")
	root.PersistentFlags().BoolVar(&flagVerify, "verify-checksums", false, "verify block and record checksums")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug logging")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "look up a single key",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "list key-value pairs in order",
		Args:  cobra.NoArgs,
		RunE:  runScan,
	}
	scanCmd.Flags().StringVar(&flagStart, "start", "", "first key (inclusive)")
	scanCmd.Flags().StringVar(&flagEnd, "end", "", "last key (exclusive)")
	scanCmd.Flags().IntVar(&flagLimit, "limit", 0, "stop after this many entries (0 = all)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "print the replayed file layout",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	followCmd := &cobra.Command{
		Use:   "follow",
		Short: "poll the manifest and report growth until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runFollow,
	}
	followCmd.Flags().DurationVar(&flagPollDur, "interval", 0, "poll interval (default from options)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "serve reads over HTTP, reloading in the background",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8440", "listen address")
	serveCmd.Flags().DurationVar(&flagPollDur, "interval", 0, "reload interval (default from options)")

	root.AddCommand(getCmd, scanCmd, statsCmd, followCmd, serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "replidb:", err)
		os.Exit(1)
	}
}

func loadOptions() (*replidb.Options, error) {
	var opts *replidb.Options
	var err error
	if flagConfig != "" {
		opts, err = replidb.LoadOptions(flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		opts = replidb.DefaultOptions()
	}
	if flagPath != "" {
		opts.Path = flagPath
	}
	if flagVerify {
		opts.VerifyChecksums = true
	}
	if flagDebug {
		opts.Logger = replidb.DebugLogger()
	}
	if flagPollDur > 0 {
		opts.PollInterval = flagPollDur
	}
	return opts, nil
}

func openDB(opts *replidb.Options) (*replidb.DB, error) {
	db, err := replidb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	return db, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	value, err := db.Get([]byte(args[0]), nil)
	if errors.Is(err, replidb.ErrNotFound) {
		return fmt.Errorf("key %q not found", args[0])
	}
	if err != nil {
		return err
	}
	os.Stdout.Write(value)
	fmt.Println()
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	it := db.NewIterator(nil)
	defer it.Close()

	n := 0
	if flagStart != "" {
		it.Seek([]byte(flagStart))
	} else {
		it.SeekToFirst()
	}
	for ; it.Valid(); it.Next() {
		if flagEnd != "" && string(it.Key()) >= flagEnd {
			break
		}
		fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		n++
		if flagLimit > 0 && n >= flagLimit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("last sequence:    %d\n", s.LastSequence)
	fmt.Printf("next file number: %d\n", s.NextFileNumber)
	fmt.Printf("manifest offset:  %d\n", s.ManifestOffset)
	for level, count := range s.LevelFiles {
		if count == 0 {
			continue
		}
		fmt.Printf("level %d: %d files, %d bytes\n", level, count, s.LevelBytes[level])
	}
	return nil
}

func runFollow(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lastSeq := db.LastSequence()
	fmt.Printf("attached at sequence %d\n", lastSeq)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := db.Reload(); err != nil {
			fmt.Fprintf(os.Stderr, "reload: %v\n", err)
			continue
		}
		if seq := db.LastSequence(); seq != lastSeq {
			fmt.Printf("advanced to sequence %d\n", seq)
			lastSeq = seq
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts.Metrics = replidb.NewMetrics(reg)

	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.Reload(); err != nil {
					db.Logger().Warn("background reload failed", "error", err)
				}
			}
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/v1/key/{key}", handleGet(db))
	r.Get("/v1/scan", handleScan(db))
	r.Get("/v1/stats", handleStats(db))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: flagListen, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	db.Logger().Info("serving", "listen", flagListen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func handleGet(db *replidb.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		value, err := db.Get([]byte(key), nil)
		if errors.Is(err, replidb.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(value)
	}
}

func handleScan(db *replidb.DB) http.HandlerFunc {
	type entry struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		end := r.URL.Query().Get("end")
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			fmt.Sscanf(s, "%d", &limit)
		}

		it := db.NewIterator(nil)
		defer it.Close()

		var out []entry
		if start != "" {
			it.Seek([]byte(start))
		} else {
			it.SeekToFirst()
		}
		for ; it.Valid() && len(out) < limit; it.Next() {
			if end != "" && string(it.Key()) >= end {
				break
			}
			out = append(out, entry{Key: string(it.Key()), Value: string(it.Value())})
		}
		if err := it.Error(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleStats(db *replidb.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := db.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s)
	}
}
