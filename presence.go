package chatline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// ActivityService marks the local user present or absent in a room and
// carries the periodic liveness signal. The REST MembersClient is the
// production implementation.
type ActivityService interface {
	SetPresence(ctx context.Context, roomID, userID int64, active bool) error
	SendLiveness(ctx context.Context, roomID, userID int64) error
}

// ReadMarker advances the local user's read cursor server-side.
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, roomID int64) error
}

// ============================================================================
// Presence Controller
// ============================================================================

// PresenceState is the local user's activity state for one room.
type PresenceState string

const (
	PresenceInactive   PresenceState = "inactive"
	PresenceActivating PresenceState = "activating"
	PresenceActive     PresenceState = "active"
	PresenceBlurred    PresenceState = "blurred"
)

// PresenceConfig configures the controller's timers.
type PresenceConfig struct {
	// IdleTimeout deactivates after this long without input activity.
	IdleTimeout time.Duration
	// BlurGrace delays deactivation after window blur, cancelled when focus
	// returns in time. Avoids flicker on rapid alt-tab.
	BlurGrace time.Duration
	// HeartbeatInterval paces the liveness signal while Active, independent
	// of the idle timer.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func (c *PresenceConfig) defaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.BlurGrace == 0 {
		c.BlurGrace = 3 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// PresenceController observes local activity and visibility signals for one
// room and drives presence, read-cursor advancement and session liveness from
// them. Signals map onto the browser events the state machine was designed
// around: Touch for any input activity, Blur/Focus for window focus, Hide/
// Show for tab visibility.
//
// Activation side effects run through ActivityService and ReadMarker; session
// connect/disconnect and snapshot refresh are delegated to the OnActivate and
// OnDeactivate hooks so the controller stays free of transport knowledge.
type PresenceController struct {
	roomID   int64
	userID   int64
	config   *PresenceConfig
	logger   *zap.Logger
	activity ActivityService
	reader   ReadMarker

	// OnActivate runs after the Active-entry server calls. reconnect is true
	// for every activation after the first, signalling that the session must
	// be re-established and snapshots refreshed to cover missed events.
	OnActivate func(reconnect bool)
	// OnDeactivate runs after the Inactive-entry presence call.
	OnDeactivate func()

	mu         sync.Mutex
	state      PresenceState
	everActive bool
	hidden     bool
	closed     bool
	// gen counts deactivations. An activation captures it before its server
	// calls and abandons on mismatch, so a hide or teardown interleaving
	// across that suspension point can never be overridden.
	gen        int
	idleTimer  *time.Timer
	blurTimer  *time.Timer
	hbStop     chan struct{}
}

// NewPresenceController creates a controller in the Inactive state.
// Call Start to perform the first activation.
func NewPresenceController(roomID, userID int64, activity ActivityService, reader ReadMarker, config *PresenceConfig) *PresenceController {
	cfg := PresenceConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PresenceController{
		roomID:   roomID,
		userID:   userID,
		config:   &cfg,
		logger:   cfg.Logger,
		activity: activity,
		reader:   reader,
		state:    PresenceInactive,
	}
}

// State returns the current presence state.
func (p *PresenceController) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Closed reports whether the controller has been torn down.
func (p *PresenceController) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Start performs the initial activation.
func (p *PresenceController) Start(ctx context.Context) {
	p.activate(ctx)
}

// Touch records input activity (pointer, key, scroll, touch). It resets the
// idle timer and re-activates an idle controller unless the tab is hidden.
func (p *PresenceController) Touch(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.hidden {
		p.mu.Unlock()
		return
	}
	st := p.state
	p.resetIdleTimerLocked(ctx)
	p.mu.Unlock()

	if st == PresenceInactive {
		p.activate(ctx)
	}
}

// Blur schedules a grace-period deactivation; focus returning within the
// window cancels it.
func (p *PresenceController) Blur(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.state != PresenceActive {
		p.mu.Unlock()
		return
	}
	p.state = PresenceBlurred
	if p.blurTimer == nil {
		p.blurTimer = time.AfterFunc(p.config.BlurGrace, func() {
			p.deactivate()
		})
	}
	p.mu.Unlock()
}

// Focus cancels a pending blur deactivation and re-activates if needed.
func (p *PresenceController) Focus(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.cancelBlurLocked()
	st := p.state
	if st == PresenceBlurred {
		p.state = PresenceActive
	}
	p.mu.Unlock()

	if st == PresenceInactive {
		p.activate(ctx)
	}
}

// Hide deactivates immediately: a backgrounded tab gets no grace period.
func (p *PresenceController) Hide(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.hidden = true
	p.mu.Unlock()
	p.deactivate()
}

// Show re-activates after the tab becomes visible again.
func (p *PresenceController) Show(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.hidden = false
	p.mu.Unlock()
	p.activate(ctx)
}

// Close tears the controller down. The Inactive-entry side effects run
// exactly once no matter which event triggered teardown; a controller that is
// already Inactive only marks itself closed.
func (p *PresenceController) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.deactivate()
}

// ============================================================================
// Transitions
// ============================================================================

func (p *PresenceController) activate(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.hidden || p.state == PresenceActive || p.state == PresenceActivating {
		p.mu.Unlock()
		return
	}
	p.cancelBlurLocked()
	p.state = PresenceActivating
	reconnect := p.everActive
	gen := p.gen
	p.mu.Unlock()

	// Active entry: mark present, advance own read cursor. Failures are
	// logged, never fatal; the conversation stream matters more.
	if err := p.activity.SetPresence(ctx, p.roomID, p.userID, true); err != nil {
		p.logger.Warn("set presence active failed", zap.Error(err))
	}
	if err := p.reader.MarkRead(ctx, p.userID, p.roomID); err != nil {
		p.logger.Warn("mark read failed", zap.Error(err))
	}

	p.mu.Lock()
	if p.gen != gen || p.closed || p.hidden {
		// A hide or teardown won the race during the server calls. Its
		// deactivation already ran the Inactive-entry side effects, and a
		// newer activation may own the state by now, so the resumed
		// activation abandons instead of resurrecting the session.
		if p.gen == gen {
			p.state = PresenceInactive
		}
		settled := p.state
		p.mu.Unlock()
		if settled == PresenceInactive {
			// The suspended active write may have landed after the losing
			// deactivation's inactive write; re-assert so the server
			// settles inactive as well.
			if err := p.activity.SetPresence(context.Background(), p.roomID, p.userID, false); err != nil {
				p.logger.Warn("set presence inactive failed", zap.Error(err))
			}
		}
		return
	}
	p.state = PresenceActive
	p.everActive = true
	p.resetIdleTimerLocked(ctx)
	p.startHeartbeatLocked(ctx)
	onActivate := p.OnActivate
	p.mu.Unlock()

	p.logger.Debug("presence active", zap.Int64("roomId", p.roomID), zap.Bool("reconnect", reconnect))
	if onActivate != nil {
		onActivate(reconnect)
	}
}

func (p *PresenceController) deactivate() {
	p.mu.Lock()
	if p.state == PresenceInactive {
		p.mu.Unlock()
		return
	}
	p.state = PresenceInactive
	p.gen++
	p.cancelBlurLocked()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	if p.hbStop != nil {
		close(p.hbStop)
		p.hbStop = nil
	}
	onDeactivate := p.OnDeactivate
	p.mu.Unlock()

	if err := p.activity.SetPresence(context.Background(), p.roomID, p.userID, false); err != nil {
		p.logger.Warn("set presence inactive failed", zap.Error(err))
	}
	p.logger.Debug("presence inactive", zap.Int64("roomId", p.roomID))
	if onDeactivate != nil {
		onDeactivate()
	}
}

func (p *PresenceController) resetIdleTimerLocked(ctx context.Context) {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.config.IdleTimeout, func() {
		p.deactivate()
	})
}

func (p *PresenceController) cancelBlurLocked() {
	if p.blurTimer != nil {
		p.blurTimer.Stop()
		p.blurTimer = nil
	}
}

// startHeartbeatLocked begins the liveness loop. The signal is paced on its
// own interval, independent of the idle timer, so the server can tell "tab
// open, user idle" from "tab closed".
func (p *PresenceController) startHeartbeatLocked(ctx context.Context) {
	if p.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	p.hbStop = stop

	go func() {
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.mu.Lock()
				active := p.state == PresenceActive
				p.mu.Unlock()
				if !active {
					continue
				}
				if err := p.activity.SendLiveness(ctx, p.roomID, p.userID); err != nil {
					p.logger.Debug("liveness signal failed", zap.Error(err))
				}
			}
		}
	}()
}
