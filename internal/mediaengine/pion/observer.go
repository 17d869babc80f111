package pion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

// staleFactor times the tick interval is how long a producer's last
// level reading stays current. Producers whose audio stops arriving
// fall silent after that.
const staleFactor = 2

type levelState struct {
	level    uint8
	voice    bool
	lastSeen time.Time
}

// Observer implements mediaengine.AudioLevelObserver. Producer read
// loops push RFC 6464 levels in (0 loudest, 127 silence); a periodic
// tick classifies the observed producers and fires the volumes or
// silence callback on transitions.
type Observer struct {
	opts   mediaengine.AudioLevelObserverOptions
	engine *Engine

	mu        sync.Mutex
	producers map[string]*levelState
	onVolumes func([]mediaengine.Volume)
	onSilence func()
	silent    bool
	closed    bool
	cancel    context.CancelFunc

	now func() time.Time
}

func newObserver(opts mediaengine.AudioLevelObserverOptions, engine *Engine) *Observer {
	return &Observer{
		opts:      opts,
		engine:    engine,
		producers: make(map[string]*levelState),
		silent:    true,
		now:       time.Now,
	}
}

func (o *Observer) start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	fn := func() {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.tick()
			}
		}
	}
	o.engine.submit(ctx, fn)
}

func (o *Observer) AddProducer(producerID string) error {
	o.mu.Lock()
	if _, ok := o.producers[producerID]; !ok {
		o.producers[producerID] = &levelState{level: 127}
	}
	o.mu.Unlock()
	return nil
}

func (o *Observer) RemoveProducer(producerID string) error {
	o.mu.Lock()
	delete(o.producers, producerID)
	o.mu.Unlock()
	return nil
}

func (o *Observer) OnVolumes(fn func([]mediaengine.Volume)) {
	o.mu.Lock()
	o.onVolumes = fn
	o.mu.Unlock()
}

func (o *Observer) OnSilence(fn func()) {
	o.mu.Lock()
	o.onSilence = fn
	o.mu.Unlock()
}

func (o *Observer) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	return nil
}

// updateLevel records one reading for an observed producer. Readings
// for producers never added are dropped.
func (o *Observer) updateLevel(producerID string, level uint8, voice bool) {
	o.mu.Lock()
	if s, ok := o.producers[producerID]; ok {
		s.level = level
		s.voice = voice
		s.lastSeen = o.now()
	}
	o.mu.Unlock()
}

// tick classifies observed producers and fires at most one callback:
// volumes when anyone is audible, silence once when the last audible
// producer goes quiet.
func (o *Observer) tick() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	cutoff := o.now().Add(-time.Duration(staleFactor) * o.opts.Interval)
	silenceLevel := uint8(-o.opts.Threshold)

	audible := make([]mediaengine.Volume, 0, len(o.producers))
	for id, s := range o.producers {
		if s.lastSeen.Before(cutoff) {
			continue
		}
		if s.level < silenceLevel || s.voice {
			audible = append(audible, mediaengine.Volume{
				ProducerID: id,
				Volume:     -float64(s.level),
			})
		}
	}
	// Loudest first; RFC 6464 levels grow downward.
	sort.Slice(audible, func(i, j int) bool {
		return audible[i].Volume > audible[j].Volume
	})
	if o.opts.MaxEntries > 0 && len(audible) > o.opts.MaxEntries {
		audible = audible[:o.opts.MaxEntries]
	}

	onVolumes := o.onVolumes
	onSilence := o.onSilence
	wasSilent := o.silent
	o.silent = len(audible) == 0
	o.mu.Unlock()

	if len(audible) > 0 {
		if onVolumes != nil {
			onVolumes(audible)
		}
		return
	}
	if !wasSilent && onSilence != nil {
		onSilence()
	}
}
