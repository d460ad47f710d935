package core

import (
	"strings"
	"time"

	"github.com/recky/print-agent/internal/config"
)

// Feature is a post-print hardware action that can be configured per destination.
type Feature string

const (
	FeatureCut  Feature = "cut"
	FeatureBeep Feature = "beep"
)

// Fallbacks used when neither the destination override nor the global section sets a field.
const (
	fallbackCutEnabled   = false
	fallbackCutMode      = "partial"
	fallbackCutFeedLines = 3
	fallbackCutDelayMs   = 3000
	fallbackBeepEnabled  = false
	fallbackBeepCount    = 4
	fallbackBeepDuration = 6
	fallbackBeepDelayMs  = 500
)

// Effective is the merged configuration of one feature for one destination.
// Mode and FeedLines apply to cuts; Count and Duration to beeps.
type Effective struct {
	Feature   Feature
	Enabled   bool
	Mode      string
	FeedLines int
	Count     int
	Duration  int
	Delay     time.Duration
}

// Resolver merges per-destination overrides with the global defaults. It only
// reads the configuration it was built with and is safe for concurrent use.
type Resolver struct {
	cut  config.CutConfig
	beep config.BeepConfig
}

func NewResolver(cut config.CutConfig, beep config.BeepConfig) *Resolver {
	return &Resolver{cut: cut, beep: beep}
}

// Resolve computes the effective settings of feature for destination. An empty
// destination never matches an override.
func (r *Resolver) Resolve(feature Feature, destination string) Effective {
	destination = strings.TrimSpace(destination)
	switch feature {
	case FeatureCut:
		var o config.CutOptions
		if destination != "" {
			o = r.cut.PerPrinter[destination]
		}
		g := r.cut.CutOptions
		return Effective{
			Feature:   FeatureCut,
			Enabled:   pick(o.Enabled, g.Enabled, fallbackCutEnabled),
			Mode:      pick(o.Mode, g.Mode, fallbackCutMode),
			FeedLines: pick(o.FeedLines, g.FeedLines, fallbackCutFeedLines),
			Delay:     ms(pick(o.DelayMs, g.DelayMs, fallbackCutDelayMs)),
		}
	case FeatureBeep:
		var o config.BeepOptions
		if destination != "" {
			o = r.beep.PerPrinter[destination]
		}
		g := r.beep.BeepOptions
		return Effective{
			Feature:  FeatureBeep,
			Enabled:  pick(o.Enabled, g.Enabled, fallbackBeepEnabled),
			Count:    pick(o.Count, g.Count, fallbackBeepCount),
			Duration: pick(o.Duration, g.Duration, fallbackBeepDuration),
			Delay:    ms(pick(o.DelayMs, g.DelayMs, fallbackBeepDelayMs)),
		}
	default:
		return Effective{Feature: feature}
	}
}

func pick[T any](override, global *T, fallback T) T {
	if override != nil {
		return *override
	}
	if global != nil {
		return *global
	}
	return fallback
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
