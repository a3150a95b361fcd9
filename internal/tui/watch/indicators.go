package watch

import (
	"strings"
	"time"
)

const (
	activityDots = 5
	dotLifetime  = 2 * time.Second
)

var tickerFrames = [...]string{"⟲", "⟳"}

// Ticker alternates a glyph in the header on every refresh tick so a frozen
// screen is easy to spot.
type Ticker struct {
	frame int
}

func NewTicker() Ticker { return Ticker{} }

func (t *Ticker) Tick() { t.frame++ }

func (t Ticker) Current() string {
	return tickerFrames[t.frame%len(tickerFrames)]
}

// Spinner lights a row of dots when an event arrives. One dot goes out for
// every dotLifetime that passes without another event.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(at time.Time) {
	s.dots = activityDots
	s.lastEvent = at
}

func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	lit := activityDots - int(now.Sub(s.lastEvent)/dotLifetime)
	s.dots = max(0, min(s.dots, lit))
}

func (s Spinner) Render(theme Theme) string {
	lit := theme.TickerActive.Render("●")
	unlit := theme.TickerInactive.Render("○")
	return strings.Repeat(lit, s.dots) + strings.Repeat(unlit, activityDots-s.dots)
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
