package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/cfg"
	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/verdict"
)

const usage = `Usage: koiclassify [flags] period duration depth planet_radius stellar_temp stellar_gravity stellar_radius

Classifies one Kepler Object of Interest and prints the verdict.
With -defaults the seven values may be omitted.

Flags:
`

func main() {
	var (
		modelPath = flag.String("model", "", "Path or URL of the model artifact (overrides config)")
		modelKind = flag.String("kind", "", "Model kind: auto, forest, logistic, joblib, remote (overrides config)")
		logLevel  = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
		asJSON    = flag.Bool("json", false, "Print the result as JSON")
		defaults  = flag.Bool("defaults", false, "Classify the default vector")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	v, err := readVector(flag.Args(), *defaults)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *modelPath != "" {
		config.ModelPath = *modelPath
	}
	if *modelKind != "" {
		config.ModelKind = *modelKind
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ModelStartup+config.RequestTimeout)
	defer cancel()

	adapter, err := ml.Load(ctx, config.ModelConfig(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("model unavailable")
	}
	defer adapter.Close()

	start := time.Now()
	r, err := adapter.ClassifyContext(ctx, v)
	if err != nil {
		log.Fatal().Err(err).Msg("classification failed")
	}
	vd := verdict.Format(r)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(ml.ClassifyResponse{
			Label:         r.Label,
			Probabilities: r.Probabilities,
			Text:          vd.Text,
			Confidence:    vd.Confidence,
			Percent:       vd.Percent,
			OutOfRange:    v.OutOfRange(),
			ModelVersion:  adapter.Info().Version,
			Latency:       float64(time.Since(start).Microseconds()) / 1000,
			Timestamp:     time.Now().UTC(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to write result")
		}
		return
	}

	fmt.Println(vd.Text)
	fmt.Println(vd.ConfidenceText())
	if out := v.OutOfRange(); len(out) > 0 {
		fmt.Printf("Outside the typical range: %v\n", out)
	}
}

func readVector(args []string, useDefaults bool) (features.FeatureVector, error) {
	if useDefaults && len(args) == 0 {
		return features.Defaults(), nil
	}
	return features.Parse(args)
}
