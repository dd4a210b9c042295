package ledger

import (
	"math"
	"unicode/utf8"

	"loom/internal/config"
	"loom/internal/records"
)

// Rates holds the per-stage-kind cost rates used by the estimator.
type Rates struct {
	VideoPerSecond     float64
	SpeechPerKiloChars float64
	ImagePerCall       float64
	ScriptPerCall      float64
}

// RatesFromConfig extracts the estimator rates from configuration.
func RatesFromConfig(cfg *config.Config) Rates {
	return Rates{
		VideoPerSecond:     cfg.Credits.VideoPerSecond,
		SpeechPerKiloChars: cfg.Credits.SpeechPerKiloChars,
		ImagePerCall:       cfg.Credits.ImagePerCall,
		ScriptPerCall:      cfg.Credits.ScriptPerCall,
	}
}

// EstimateCost computes the credit cost of generating the given input. It is
// a pure function of the input document: video bills per second of requested
// duration, speech per started block of 1000 characters, images and scripts a
// flat per-call rate. Upload-mode inputs cost nothing.
func EstimateCost(rates Rates, input records.StageInput) float64 {
	if input.Mode() == records.ModeUpload {
		return 0
	}
	switch input.Kind {
	case records.KindVideo:
		if input.Video == nil || input.Video.DurationSeconds <= 0 {
			return 0
		}
		return rates.VideoPerSecond * input.Video.DurationSeconds
	case records.KindSpeech:
		if input.Speech == nil {
			return 0
		}
		chars := utf8.RuneCountInString(input.Speech.Text)
		if chars == 0 {
			return 0
		}
		blocks := math.Ceil(float64(chars) / 1000.0)
		return rates.SpeechPerKiloChars * blocks
	case records.KindImage:
		return rates.ImagePerCall
	case records.KindScript:
		return rates.ScriptPerCall
	}
	return 0
}
