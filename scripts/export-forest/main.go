// Command export-forest converts a scikit-learn tree ensemble saved with
// joblib into the JSON forest artifact read by the native backend, then
// checks that both agree on the default vector.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/verdict"
)

// exportScript walks every estimator's tree_ arrays. Leaves carry the
// per-class weights; sklearn marks them with child -1 and feature -2.
const exportScript = `
import json
import sys

import joblib

model = joblib.load(sys.argv[1])
estimators = getattr(model, "estimators_", None) or [model]
names = list(getattr(model, "feature_names_in_", json.loads(sys.argv[3])))

trees = []
for est in estimators:
    t = est.tree_
    nodes = []
    for i in range(t.node_count):
        left, right = int(t.children_left[i]), int(t.children_right[i])
        node = {"feature": max(int(t.feature[i]), 0), "threshold": float(t.threshold[i]), "left": left, "right": right}
        if left == -1:
            node["threshold"] = 0.0
            node["value"] = [float(x) for x in t.value[i][0]]
        nodes.append(node)
    trees.append({"nodes": nodes})

json.dump({
    "kind": "forest",
    "version": sys.argv[2],
    "features": names,
    "classes": [int(c) for c in model.classes_],
    "trees": trees,
}, sys.stdout)
`

func main() {
	var (
		in      = flag.String("in", "model/exoplanet_model.joblib", "joblib artifact to convert")
		out     = flag.String("out", "model/exoplanet_model.json", "JSON forest artifact to write")
		python  = flag.String("python", "python3", "Python interpreter with scikit-learn and joblib")
		version = flag.String("version", time.Now().UTC().Format("20060102"), "Version recorded in the artifact")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	names, err := json.Marshal(features.Names())
	if err != nil {
		log.Fatal().Err(err).Msg("encode feature names")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, *python, "-c", exportScript, *in, *version, string(names))
	cmd.Stderr = os.Stderr
	data, err := cmd.Output()
	if err != nil {
		log.Fatal().Err(err).Str("in", *in).Msg("export failed")
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatal().Err(err).Str("out", *out).Msg("write artifact")
	}

	forest, loaded, err := ml.LoadForest(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("exported artifact does not load")
	}
	r, err := forest.Predict(ctx, features.Defaults())
	if err != nil {
		log.Fatal().Err(err).Msg("exported artifact does not classify")
	}
	vd := verdict.Format(r)

	fmt.Printf("Wrote %s (version %s)\n", *out, loaded)
	fmt.Printf("Default vector: %s, %s\n", vd.Text, vd.ConfidenceText())
}
