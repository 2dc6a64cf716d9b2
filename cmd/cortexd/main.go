// Package main provides the cortex operational entry point: the repair
// surface, embedding backfill, and statistics reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cortex/internal/config"
	"github.com/thebtf/cortex/internal/maintenance"
	"github.com/thebtf/cortex/internal/search"
)

var Version = "dev"

func main() {
	basePath := flag.String("base-path", "", "override the data base directory")
	settings := flag.String("settings", "", "path to a settings.json file")
	repair := flag.String("repair", "", "comma-separated repair steps (or 'all'): integrity,migrations,rebuild-fts,vacuum,rebuild-mapping")
	backfill := flag.Bool("backfill", false, "backfill missing embeddings into the vector index")
	stats := flag.Bool("stats", false, "print engine statistics as JSON")
	preload := flag.Bool("preload", false, "load the embedding model eagerly")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if !*verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", Version).Msg("Starting cortexd")

	cfg, err := loadConfig(*settings, *basePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	coord := search.New(cfg, log.Logger)
	if _, err := coord.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer func() {
		if err := coord.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}()

	if *preload {
		if err := coord.PreloadModel(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to preload embedding model")
		}
		log.Info().Msg("Embedding model preloaded")
	}

	if *repair != "" {
		steps := maintenance.AllSteps
		if *repair != "all" {
			steps = strings.Split(*repair, ",")
		}
		svc := maintenance.NewService(coord.Store(), coord.Index(), log.Logger)
		failed := 0
		for _, report := range svc.Run(ctx, steps) {
			if !report.OK {
				failed++
			}
			fmt.Printf("%-16s ok=%-5v %s (%s)\n", report.Step, report.OK, report.Message, report.Duration.Round(time.Millisecond))
		}
		if failed > 0 {
			log.Fatal().Int("failed", failed).Msg("Repair finished with failures")
		}
	}

	if *backfill {
		result, err := coord.BackfillEmbeddings(ctx, search.BackfillOptions{
			OnProgress: func(processed, errors int) {
				log.Info().Int("processed", processed).Int("errors", errors).Msg("Backfill progress")
			},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Backfill failed")
		}
		log.Info().
			Int("processed", result.Processed).
			Int("skipped", result.Skipped).
			Int("errors", result.Errors).
			Msg("Backfill complete")
	}

	if *stats {
		snapshot, err := coord.GetStats(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to collect stats")
		}
		out, _ := json.MarshalIndent(snapshot, "", "  ")
		fmt.Println(string(out))
	}
}

func loadConfig(settingsPath, basePath string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if settingsPath != "" {
		cfg, err = config.Load(settingsPath, true)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if basePath != "" {
		cfg.BasePath = basePath
	}
	return cfg, cfg.Validate()
}
