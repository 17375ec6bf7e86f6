package cmd

import (
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/spf13/pflag"
)

// jobFlags holds the synthesis parameters shared by commands that start jobs.
// Unset numeric flags are left nil so the server applies its defaults.
type jobFlags struct {
	mode         string
	voice        string
	ref          string
	speed        float64
	temperature  float64
	gapMS        int
	allowPartial bool
}

func (f *jobFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.mode, "mode", "", "Voice mode: preset or clone (default: clone when --ref is set)")
	fs.StringVar(&f.voice, "voice", "", "Preset voice id, see \"narrator voices\"")
	fs.StringVar(&f.ref, "ref", "", "Reference id from \"narrator upload\" for a cloned voice")
	fs.Float64Var(&f.speed, "speed", 1.0, fmt.Sprintf("Speaking rate, %.1f to %.1f", tts.MinSpeed, tts.MaxSpeed))
	fs.Float64Var(&f.temperature, "temperature", 0.7, fmt.Sprintf("Sampling temperature, %.1f to %.1f", tts.MinTemperature, tts.MaxTemperature))
	fs.IntVar(&f.gapMS, "gap", 0, "Silence between chunks in milliseconds")
	fs.BoolVar(&f.allowPartial, "allow-partial", false, "Stitch the chunks that succeeded when some fail")
}

func (f *jobFlags) options(fs *pflag.FlagSet, text string) pipeline.Options {
	opts := pipeline.Options{
		Text:         text,
		Mode:         f.mode,
		Voice:        f.voice,
		RefAudioID:   f.ref,
		AllowPartial: f.allowPartial,
	}
	if fs.Changed("speed") {
		opts.Speed = &f.speed
	}
	if fs.Changed("temperature") {
		opts.Temperature = &f.temperature
	}
	if fs.Changed("gap") {
		opts.BoundaryGapMS = &f.gapMS
	}
	return opts
}
