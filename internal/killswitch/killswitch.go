// Package killswitch implements the process-wide emergency stop. The switch
// is initialized Armed at startup and never re-arms on its own: only an
// explicit operator action may move it back from Tripped.
package killswitch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"tradegate/internal/ports"
)

// State is the tri-state safety flag.
type State int

const (
	Armed State = iota
	Tripped
	// TrippedDraining: tripped while funds-moving sends were in flight. New
	// admissions are blocked but in-flight attempts resolve to their natural
	// terminal state; they are never abandoned mid-send.
	TrippedDraining
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Tripped:
		return "tripped"
	case TrippedDraining:
		return "tripped-draining"
	default:
		return "unknown"
	}
}

// Switch is the shared safety flag. It additionally tracks in-flight sends so
// a trip during Sending/Confirming can enter the draining state.
type Switch struct {
	mu            sync.Mutex
	state         State
	source        string
	inFlightSends int
	tripCh        chan struct{}
	logger        ports.Logger
}

// New returns a switch in the Armed state.
func New(logger ports.Logger) *Switch {
	return &Switch{state: Armed, tripCh: make(chan struct{}), logger: logger}
}

// State returns the current state.
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Armed reports whether new admissions may proceed.
func (s *Switch) Armed() bool {
	return s.State() == Armed
}

// Source names what tripped the switch, empty while armed.
func (s *Switch) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Trip halts the pipeline. If sends are in flight the switch enters
// TrippedDraining so they can resolve; otherwise it goes straight to Tripped.
// Tripping an already-tripped switch is a no-op.
func (s *Switch) Trip(ctx context.Context, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Armed {
		return
	}
	s.source = source
	if s.inFlightSends > 0 {
		s.state = TrippedDraining
	} else {
		s.state = Tripped
	}
	close(s.tripCh)
	s.logger.Warn(ctx, "Kill switch tripped", map[string]interface{}{
		"source":        source,
		"state":         s.state.String(),
		"inFlightSends": s.inFlightSends,
	})
}

// Rearm returns the switch to Armed. Only valid from Tripped: a draining
// switch still has funds in flight and must finish draining first.
func (s *Switch) Rearm(ctx context.Context, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Armed:
		return nil
	case TrippedDraining:
		return fmt.Errorf("cannot re-arm while draining %d in-flight send(s)", s.inFlightSends)
	}
	s.state = Armed
	s.source = ""
	s.tripCh = make(chan struct{})
	s.logger.Warn(ctx, "Kill switch re-armed by operator", map[string]interface{}{"operator": operator})
	return nil
}

// TripSignal returns a channel that is closed when the switch leaves Armed,
// so a pending network operation can be cancelled mid-call rather than
// waiting out its deadline. After a re-arm a fresh channel is returned.
func (s *Switch) TripSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripCh
}

// EnterSend marks the start of a funds-moving send.
func (s *Switch) EnterSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlightSends++
}

// ExitSend marks the resolution of a funds-moving send. When the last
// draining send resolves the switch settles into Tripped; it never re-arms.
func (s *Switch) ExitSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlightSends > 0 {
		s.inFlightSends--
	}
	if s.state == TrippedDraining && s.inFlightSends == 0 {
		s.state = Tripped
	}
}

// EnvKey is the environment flag polled for an external emergency stop.
const EnvKey = "EMERGENCY_STOP"

// Poller watches the external stop sources at a fixed cadence: the
// EMERGENCY_STOP environment flag and the persisted halt file. The halt file
// doubles as the manual override read at startup.
type Poller struct {
	sw       *Switch
	haltFile string
	interval time.Duration
	logger   ports.Logger
}

// NewPoller creates a poller for the given switch.
func NewPoller(sw *Switch, haltFile string, interval time.Duration, logger ports.Logger) *Poller {
	return &Poller{sw: sw, haltFile: haltFile, interval: interval, logger: logger}
}

// CheckStartupOverride trips the switch if the persisted halt file exists.
// Called once before the pipeline accepts any signal.
func (p *Poller) CheckStartupOverride(ctx context.Context) {
	if p.haltFileExists() {
		p.logger.Warn(ctx, "Persisted halt override present at startup", map[string]interface{}{"path": p.haltFile})
		p.sw.Trip(ctx, "halt-file")
	}
}

// Run polls until the context is cancelled. Detection is not instantaneous;
// the cadence bounds how stale the external sources can be.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if os.Getenv(EnvKey) != "" {
		p.sw.Trip(ctx, "environment")
		return
	}
	if p.haltFileExists() {
		p.sw.Trip(ctx, "halt-file")
	}
}

func (p *Poller) haltFileExists() bool {
	_, err := os.Stat(p.haltFile)
	return err == nil
}
