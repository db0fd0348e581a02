// Decagon demo trainer: trains the polypharmacy side-effect model either on
// the bio-decagon dataset (downloaded on first use) or on a small synthetic
// graph (--toy), useful to exercise the pipeline without the ~1GB download.
package main

import (
	"flag"

	"github.com/gomlx/decagon"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/decagon", "Directory to cache downloaded dataset files.")
	flagToy        = flag.Bool("toy", false, "Train on a small synthetic graph instead of the bio-decagon dataset.")
	flagToySeed    = flag.Uint64("toy_seed", 1, "Seed for the synthetic graph, if --toy is set.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := decagon.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() {
		var data *decagon.Data
		if *flagToy {
			data = decagon.ToyData(500, 40, 6, *flagToySeed)
		} else {
			data = must.M1(decagon.Download(*flagDataDir))
		}
		must.M(decagon.TrainModel(ctx, data, *flagCheckpoint, paramsSet, *flagVerbosity))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
