package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/xyproto/env/v2"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"gopeforge/pebuild"
)

var (
	app = kingpin.New("gopeforge",
		"Self-contained PE image encoder: builds executables and DLLs from a build manifest.")
	verbose = app.Flag("verbose", "Enable debug logging.").Short('v').
		Default(env.Str("GOPEFORGE_VERBOSE", "false")).Bool()

	buildCommand = app.Command("build", "Build a PE image from a manifest.")
	buildManifest = buildCommand.Arg("manifest", "Build manifest (JSON).").
			Required().ExistingFile()
	buildOutput = buildCommand.Flag("output", "Output image path.").Short('o').
			Default(env.Str("GOPEFORGE_OUTPUT", "")).String()
	buildImageBase = buildCommand.Flag("image-base",
		"Load address override; 0 keeps the manifest or per-machine default.").
		Default(env.Str("GOPEFORGE_IMAGE_BASE", "0")).Uint64()

	inspectCommand = app.Command("inspect", "Summarize an existing PE file.")
	inspectFile    = inspectCommand.Arg("file", "PE file to inspect.").
			Required().ExistingFile()
	inspectSections = inspectCommand.Flag("section",
		"Only list matching sections; a trailing * matches as a prefix.").
		Short('s').Strings()
)

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func doBuild() {
	cfg, err := pebuild.LoadManifest(*buildManifest)
	kingpin.FatalIfError(err, "Can not load manifest %s", *buildManifest)

	if *buildImageBase != 0 {
		cfg.ImageBase = *buildImageBase
	}

	path := *buildOutput
	if path == "" {
		path = cfg.ImageName
	}
	if path == "" {
		path = "image.exe"
		if cfg.DLL {
			path = "image.dll"
		}
	}

	out, err := pebuild.NewBuilder(cfg, newLogger()).BuildFile(path)
	kingpin.FatalIfError(err, "Build failed")

	fmt.Println(out.Summary())
	fmt.Printf("wrote %s (%d bytes)\n", path, len(out.Image))
}

func doInspect() {
	summary, err := pebuild.InspectFile(*inspectFile, *inspectSections)
	kingpin.FatalIfError(err, "Can not inspect %s", *inspectFile)

	serialized, err := json.MarshalIndent(summary, "", "  ")
	kingpin.FatalIfError(err, "Can not serialize summary")
	fmt.Println(string(serialized))
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {

	case buildCommand.FullCommand():
		doBuild()

	case inspectCommand.FullCommand():
		doInspect()
	}
}
