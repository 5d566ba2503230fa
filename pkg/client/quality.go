package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// QualitySample is one reading of transport statistics. Jitter and RTT
// are in seconds, bandwidth in bits per second.
type QualitySample struct {
	Jitter      float64
	PacketsLost int
	RTT         float64
	Bandwidth   int
	Timestamp   time.Time
}

// StatsProvider supplies transport statistics while a peer connection is
// active. Tests feed synthetic samples.
type StatsProvider interface {
	Sample() (QualitySample, error)
}

// Mode is a media capture/encode profile.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeLowBandwidth Mode = "low_bandwidth"
	ModeAudioOnly    Mode = "audio_only"
)

// ModeCommander applies a mode to the media layer. Commands are issued
// only on change, so applying is idempotent from the controller's side.
type ModeCommander interface {
	ApplyMode(Mode) error
}

// Quality score bands.
const (
	bandPoorBelow = 40
	bandGoodFrom  = 70
)

// Band is the UI-facing score band.
type Band string

const (
	BandPoor Band = "poor"
	BandFair Band = "fair"
	BandGood Band = "good"
)

// Mode thresholds.
const (
	lowBandwidthLostThreshold   = 50
	lowBandwidthJitterThreshold = 0.1
	lowBandwidthRTTThreshold    = 0.5
	audioOnlyBandwidthThreshold = 150_000
	lowResBandwidthThreshold    = 500_000
)

// QualityController samples transport statistics on a fixed timer,
// derives a bounded 0-100 score and drives media mode transitions.
type QualityController struct {
	ch       *Channel
	sess     *Session
	stats    StatsProvider
	commands ModeCommander
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	score   int
	mode    Mode
	cancel  context.CancelFunc
	scores  *stream[int]
	modeOut *stream[Mode]
}

// NewQualityController creates the controller. Sampling starts with
// Start and stops on Stop or session leave.
func NewQualityController(ch *Channel, sess *Session, stats StatsProvider, commands ModeCommander, log *zap.Logger) *QualityController {
	if log == nil {
		log = zap.NewNop()
	}
	q := &QualityController{
		ch:       ch,
		sess:     sess,
		stats:    stats,
		commands: commands,
		log:      log,
		interval: 5 * time.Second,
		score:    100,
		mode:     ModeNormal,
		scores:   newStream[int](),
		modeOut:  newStream[Mode](),
	}
	sess.OnLeave(q.Stop)
	return q
}

// SetInterval overrides the 5s sampling period (tests).
func (q *QualityController) SetInterval(d time.Duration) { q.interval = d }

// Scores subscribes to score updates.
func (q *QualityController) Scores() (<-chan int, func()) { return q.scores.Subscribe() }

// Modes subscribes to mode transitions.
func (q *QualityController) Modes() (<-chan Mode, func()) { return q.modeOut.Subscribe() }

// Score returns the current quality score, 0-100.
func (q *QualityController) Score() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.score
}

// Mode returns the current media mode.
func (q *QualityController) Mode() Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// InitialProfile picks the capture profile before any peer-connection
// statistics exist, from an ambient downlink estimate in bits/s.
func InitialProfile(downlinkBps int) Mode {
	switch {
	case downlinkBps < audioOnlyBandwidthThreshold:
		return ModeAudioOnly
	case downlinkBps < lowResBandwidthThreshold:
		return ModeLowBandwidth
	default:
		return ModeNormal
	}
}

// ScoreSample computes the bounded quality score for one sample.
func ScoreSample(s QualitySample) int {
	score := 100.0
	score -= min2(50, float64(s.PacketsLost)/2)
	score -= min2(25, s.Jitter*250)
	score -= min2(25, s.RTT*50)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

// ScoreBand maps a score to its UI band.
func ScoreBand(score int) Band {
	switch {
	case score < bandPoorBelow:
		return BandPoor
	case score < bandGoodFrom:
		return BandFair
	default:
		return BandGood
	}
}

// modeFor evaluates the hysteresis-free transition policy for one sample.
func modeFor(s QualitySample) Mode {
	if s.PacketsLost > lowBandwidthLostThreshold ||
		s.Jitter > lowBandwidthJitterThreshold ||
		s.RTT > lowBandwidthRTTThreshold {
		return ModeLowBandwidth
	}
	if s.Bandwidth < audioOnlyBandwidthThreshold {
		return ModeAudioOnly
	}
	return ModeNormal
}

// Start launches the 5s sampling loop; it stops when ctx is cancelled,
// Stop is called, or the session is left.
func (q *QualityController) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Evaluate()
			}
		}
	}()
}

// Stop cancels the sampling loop.
func (q *QualityController) Stop() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
}

// Evaluate takes one sample, updates the score, applies the mode policy
// and reports upstream. Exposed so tests drive it without the timer.
func (q *QualityController) Evaluate() {
	sample, err := q.stats.Sample()
	if err != nil {
		q.log.Debug("stats sample failed", zap.Error(err))
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	score := ScoreSample(sample)
	mode := modeFor(sample)

	q.mu.Lock()
	q.score = score
	changed := mode != q.mode
	if changed {
		q.mode = mode
	}
	q.mu.Unlock()

	q.scores.publish(score)
	if changed {
		// Repeating the same mode is a no-op; only transitions reach
		// the media layer.
		if q.commands != nil {
			if err := q.commands.ApplyMode(mode); err != nil {
				q.log.Warn("apply mode failed", zap.String("mode", string(mode)), zap.Error(err))
			}
		}
		q.modeOut.publish(mode)
		q.log.Info("media mode transition",
			zap.String("mode", string(mode)),
			zap.Int("score", score))
	}

	self := q.sess.Self()
	report := wire.QualityReport{
		SessionID: q.sess.ID(),
		UserID:    self.UserID,
		Score:     score,
		Jitter:    sample.Jitter,
		Lost:      sample.PacketsLost,
		RTT:       sample.RTT,
		Bandwidth: sample.Bandwidth,
		Timestamp: sample.Timestamp,
	}
	if err := q.ch.Send(wire.EventQualityReport, report); err != nil {
		q.log.Debug("quality report not sent", zap.Error(err))
	}
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
