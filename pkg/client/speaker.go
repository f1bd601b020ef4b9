package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshroom/internal/core/domain"

	"go.uber.org/zap"
)

// NoSpeaker is the election result when nobody clears the threshold.
const NoSpeaker domain.UserID = "0"

// FFTSize is the analysis window. Sources expose FFTSize/2 frequency bins.
const FFTSize = 32

// LevelSource exposes the byte-frequency bins of one audio track, in the
// 0..255 range per bin.
type LevelSource interface {
	FrequencyBins() []byte
}

type analyzer struct {
	target domain.UserID
	source LevelSource
}

// SpeakerDetector elects the loudest participant on a fixed interval. One
// analyzer per target, owned by the detector: no shared mutable state
// between elections.
type SpeakerDetector struct {
	interval  time.Duration
	threshold float64

	mu        sync.Mutex
	analyzers map[domain.UserID]*analyzer
	elected   domain.UserID

	onElect func(target domain.UserID)

	logger *zap.SugaredLogger
}

func NewSpeakerDetector(interval time.Duration, threshold float64, logger *zap.SugaredLogger) *SpeakerDetector {
	return &SpeakerDetector{
		interval:  interval,
		threshold: threshold,
		analyzers: make(map[domain.UserID]*analyzer),
		elected:   NoSpeaker,
		logger:    logger,
	}
}

// OnElect installs the election callback, invoked only when the elected
// speaker changes.
func (d *SpeakerDetector) OnElect(fn func(target domain.UserID)) { d.onElect = fn }

// Create registers an analyzer for a target. A second Create for the same
// target replaces the source.
func (d *SpeakerDetector) Create(target domain.UserID, source LevelSource) {
	d.mu.Lock()
	d.analyzers[target] = &analyzer{target: target, source: source}
	d.mu.Unlock()
}

// Destroy forgets the analyzer for a target. Destroying an absent target is
// a no-op.
func (d *SpeakerDetector) Destroy(target domain.UserID) {
	d.mu.Lock()
	delete(d.analyzers, target)
	d.mu.Unlock()
}

// Sample reads the current level for one target: the loudest frequency bin
// normalized to 0..1. An absent target samples as zero.
func (d *SpeakerDetector) Sample(target domain.UserID) float64 {
	d.mu.Lock()
	a, ok := d.analyzers[target]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return level(a.source.FrequencyBins())
}

func level(bins []byte) float64 {
	var max byte
	for _, b := range bins {
		if b > max {
			max = b
		}
	}
	return float64(max) / 256
}

// Run holds elections until the context is done.
func (d *SpeakerDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.elect()
		}
	}
}

type candidate struct {
	target domain.UserID
	level  float64
}

func (d *SpeakerDetector) elect() {
	d.mu.Lock()
	candidates := make([]candidate, 0, len(d.analyzers))
	for target, a := range d.analyzers {
		candidates = append(candidates, candidate{target: target, level: level(a.source.FrequencyBins())})
	}
	d.mu.Unlock()

	// Deterministic order before the stable sort so equal levels always
	// resolve the same way.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].target < candidates[j].target
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].level > candidates[j].level
	})

	winner := NoSpeaker
	if len(candidates) > 0 && candidates[0].level >= d.threshold {
		winner = candidates[0].target
	}

	d.mu.Lock()
	changed := winner != d.elected
	d.elected = winner
	d.mu.Unlock()

	if changed {
		d.logger.Debugw("active speaker changed", "target", winner)
		if d.onElect != nil {
			d.onElect(winner)
		}
	}
}

// Elected reports the current active speaker, NoSpeaker when silent.
func (d *SpeakerDetector) Elected() domain.UserID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.elected
}
