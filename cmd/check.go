package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"grimm.is/blackhole/internal/brand"
	"grimm.is/blackhole/internal/config"
	"grimm.is/blackhole/internal/state"
)

// RunCheck validates the configuration file. With verbose the effective
// configuration, defaults included, is printed as HCL.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] -c <config-file>", brand.BinaryName)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	printSummary(cfg)

	if verbose {
		if path := cfg.Retention.ArchivePath; path != "" {
			if _, err := os.Stat(path); err == nil {
				Printer.Println("\nArchive contents:")
				if err := printArchive(os.Stdout, path); err != nil {
					Printer.Fprintf(os.Stderr, "Warning: cannot read archive: %v\n", err)
				}
			}
		}
		Printer.Println("\nEffective configuration:")
		os.Stdout.Write(config.Marshal(cfg))
	}
	return nil
}

// printArchive lists the buckets of an existing archive with their live
// entry counts.
func printArchive(out io.Writer, path string) error {
	db, err := state.NewSQLiteStore(state.DefaultOptions(path))
	if err != nil {
		return err
	}
	defer db.Close()

	buckets, err := db.ListBuckets()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	Printer.Fprintf(w, "Instance:\t%s\n", db.InstanceID())
	for _, b := range buckets {
		n, err := db.Count(b)
		if err != nil {
			return err
		}
		Printer.Fprintf(w, "%s:\t%d entries\n", b, n)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	archive := "disabled"
	if cfg.Retention.ArchivePath != "" {
		archive = fmt.Sprintf("%s (kept %s)", cfg.Retention.ArchivePath, cfg.Retention.ArchiveMaxAge)
	}
	metrics := "disabled"
	if cfg.Metrics.Enabled {
		metrics = cfg.Metrics.Listen
	}
	limit := "disabled"
	if cfg.RateLimit.Count > 0 {
		limit = fmt.Sprintf("%d per %s", cfg.RateLimit.Count, cfg.RateLimit.Interval)
	}

	Printer.Fprintf(w, "Privacy level:\t%d\n", cfg.PrivacyLevel)
	Printer.Fprintf(w, "Block size:\t%d\n", cfg.Store.BlockSize)
	Printer.Fprintf(w, "Overtime:\t%s buckets over %s\n", cfg.Overtime.Interval, cfg.Overtime.Window)
	Printer.Fprintf(w, "Retention:\t%s, every %s\n", cfg.Retention.MaxAge, cfg.Retention.Interval)
	Printer.Fprintf(w, "Archive:\t%s\n", archive)
	Printer.Fprintf(w, "Rate limit:\t%s\n", limit)
	Printer.Fprintf(w, "Metrics:\t%s\n", metrics)
}
