package lib

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
)

// congestionTrial accumulates statistics between two rate adjustments.
type congestionTrial struct {
	sentIDs              map[string]struct{}
	numSent              int
	numConfirmed         int
	numLost              int
	sentBytes            int
	confirmedBytes       int
	peakOutstandingBytes int
	rttSamples           []float64 // msec
}

func newCongestionTrial() congestionTrial {
	return congestionTrial{sentIDs: make(map[string]struct{})}
}

func (t *congestionTrial) outstandingBytes() int {
	return t.sentBytes - t.confirmedBytes
}

// CongestionController bounds the bytes a connection keeps unconfirmed and
// estimates the round trip time. Every trialDuration it adjusts both from
// what the previous trial observed.
type CongestionController struct {
	cfg    config.CongestionConfig
	clock  clock.Clock
	logger *zap.Logger

	mu                sync.Mutex
	maxBytesPerSecond float64
	estimatedRttMsec  float64
	trial             congestionTrial

	closeSignal chan struct{}
	haltOnce    sync.Once
	wg          sync.WaitGroup
}

// NewCongestionController starts the trial loop. Call Halt to stop it.
func NewCongestionController(cfg config.CongestionConfig, clk clock.Clock, logger *zap.Logger) *CongestionController {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CongestionController{
		cfg:               cfg,
		clock:             clk,
		logger:            logger,
		maxBytesPerSecond: cfg.InitialMaxBytesPerSecond,
		estimatedRttMsec:  clamp(cfg.InitialRttMsec, cfg.MinRttMsec, cfg.MaxRttMsec),
		trial:             newCongestionTrial(),
		closeSignal:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.trialLoop()
	return c
}

func (c *CongestionController) trialLoop() {
	defer c.wg.Done()
	ticker := c.clock.Ticker(c.cfg.TrialDuration)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case <-ticker.C:
			c.endTrial()
		}
	}
}

// Halt stops the trial loop. Safe to call more than once.
func (c *CongestionController) Halt() {
	c.haltOnce.Do(func() {
		close(c.closeSignal)
	})
	c.wg.Wait()
}

func (c *CongestionController) windowBytes() float64 {
	return c.maxBytesPerSecond / 1000 * c.estimatedRttMsec
}

// EstimateDelayForNextMessage returns how long a message of nextBytes must
// wait before it fits the window. Nothing outstanding always means no wait.
func (c *CongestionController) EstimateDelayForNextMessage(nextBytes int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	outstanding := c.trial.outstandingBytes()
	if outstanding <= 0 {
		return 0
	}
	window := c.windowBytes()
	excess := float64(outstanding+nextBytes) - window
	if excess <= 0 {
		return 0
	}
	d := time.Duration(excess / (c.maxBytesPerSecond / 1000) * float64(time.Millisecond))
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

func (c *CongestionController) ReportMessageSent(id string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &c.trial
	t.sentIDs[id] = struct{}{}
	t.numSent++
	t.sentBytes += bytes
	if o := t.outstandingBytes(); o > t.peakOutstandingBytes {
		t.peakOutstandingBytes = o
	}
}

// ReportMessageLost is ignored for ids sent before the current trial.
func (c *CongestionController) ReportMessageLost(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.trial.sentIDs[id]; !ok {
		return
	}
	c.trial.numLost++
}

// ReportConfirmedMessage is ignored for ids sent before the current trial.
func (c *CongestionController) ReportConfirmedMessage(id string, bytes int, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &c.trial
	if _, ok := t.sentIDs[id]; !ok {
		return
	}
	t.numConfirmed++
	t.confirmedBytes += bytes
	t.rttSamples = append(t.rttSamples, float64(rtt)/float64(time.Millisecond))
}

func (c *CongestionController) endTrial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.trial
	c.trial = newCongestionTrial()

	if len(t.rttSamples) >= c.cfg.MinRttSamples {
		c.estimatedRttMsec = clamp((median(t.rttSamples)+c.estimatedRttMsec)/2, c.cfg.MinRttMsec, c.cfg.MaxRttMsec)
	}

	window := c.windowBytes()
	switch {
	case t.numLost == 0:
		if float64(t.peakOutstandingBytes) > c.cfg.PressureThreshold*window {
			c.maxBytesPerSecond *= c.cfg.RampUpFactor
		}
	case t.numLost == 1:
		c.maxBytesPerSecond /= c.cfg.SingleLossFactor
	default:
		c.maxBytesPerSecond /= c.cfg.MultiLossFactor
	}

	if t.numSent > 0 || t.numLost > 0 {
		c.logger.Debug("congestion trial closed",
			zap.Int("sent", t.numSent),
			zap.Int("confirmed", t.numConfirmed),
			zap.Int("lost", t.numLost),
			zap.Int("peakOutstandingBytes", t.peakOutstandingBytes),
			zap.Float64("maxBytesPerSecond", c.maxBytesPerSecond),
			zap.Float64("estimatedRttMsec", c.estimatedRttMsec))
	}
}

func (c *CongestionController) EstimatedRttMsec() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimatedRttMsec
}

func (c *CongestionController) EstimatedRtt() time.Duration {
	return time.Duration(c.EstimatedRttMsec() * float64(time.Millisecond))
}

func (c *CongestionController) MaxBytesPerSecond() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytesPerSecond
}

func (c *CongestionController) OutstandingBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trial.outstandingBytes()
}
