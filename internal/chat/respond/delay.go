package respond

import (
	"math/rand"
	"time"
)

// Delay bounds for scheduled responses. User-triggered replies land quickly;
// background chatter is spread out so idle rooms stay low-key.
const (
	MinUserDelay       = 4 * time.Second
	MaxUserDelay       = 22 * time.Second
	MinBackgroundDelay = 30 * time.Second
	MaxBackgroundDelay = 90 * time.Second
	MinBetweenDelay    = 6 * time.Second
	MaxBetweenDelay    = 18 * time.Second

	// MinFirstDelay/MaxFirstDelay floor the first responder so replies do
	// not feel instantaneous.
	MinFirstDelay = 2500 * time.Millisecond
	MaxFirstDelay = 4500 * time.Millisecond

	// Mentioned AIs respond much faster, but never under MinMentionedDelay.
	MentionedMultiplier = 0.35
	MinMentionedDelay   = 400 * time.Millisecond

	// Typing awareness slows down an AI when others are already generating.
	TypingAwarenessDelay   = 2500 * time.Millisecond
	TypingAwarenessMaxMult = 3.0
)

// MaxDelay is the absolute clamp on any computed delay under the default
// bounds. Configured bounds clamp at twice their own user maximum.
const MaxDelay = 2 * MaxUserDelay

// Delays holds the tunable delay bounds. Zero fields fall back to the
// package defaults, so a partially filled struct is safe to use.
type Delays struct {
	MinUser       time.Duration
	MaxUser       time.Duration
	MinBackground time.Duration
	MaxBackground time.Duration
	MinBetween    time.Duration
	MaxBetween    time.Duration
	MinFirst      time.Duration
	MaxFirst      time.Duration
}

// DefaultDelays returns the package default bounds.
func DefaultDelays() Delays {
	return Delays{
		MinUser:       MinUserDelay,
		MaxUser:       MaxUserDelay,
		MinBackground: MinBackgroundDelay,
		MaxBackground: MaxBackgroundDelay,
		MinBetween:    MinBetweenDelay,
		MaxBetween:    MaxBetweenDelay,
		MinFirst:      MinFirstDelay,
		MaxFirst:      MaxFirstDelay,
	}
}

// WithDefaults fills zero fields with the package defaults.
func (d Delays) WithDefaults() Delays {
	def := DefaultDelays()
	if d.MinUser == 0 {
		d.MinUser = def.MinUser
	}
	if d.MaxUser == 0 {
		d.MaxUser = def.MaxUser
	}
	if d.MinBackground == 0 {
		d.MinBackground = def.MinBackground
	}
	if d.MaxBackground == 0 {
		d.MaxBackground = def.MaxBackground
	}
	if d.MinBetween == 0 {
		d.MinBetween = def.MinBetween
	}
	if d.MaxBetween == 0 {
		d.MaxBetween = def.MaxBetween
	}
	if d.MinFirst == 0 {
		d.MinFirst = def.MinFirst
	}
	if d.MaxFirst == 0 {
		d.MaxFirst = def.MaxFirst
	}
	return d
}

// DelayParams describes one responder's position in a scheduled batch.
type DelayParams struct {
	// Index is the responder's position in the batch, 0-based.
	Index int
	// IsUserResponse is true when the batch replies to a user message.
	IsUserResponse bool
	// IsMentioned is true when this AI was @mentioned by the trigger.
	IsMentioned bool
	// TypingAICount is how many AIs are generating at schedule time.
	TypingAICount int
}

// Delay computes how long a responder waits before dispatch under the
// default bounds. Pure given the random source, so tests can seed it.
func Delay(p DelayParams, rng *rand.Rand) time.Duration {
	return DefaultDelays().For(p, rng)
}

// For computes how long a responder waits before dispatch under d's bounds.
// Zero fields use the package defaults.
func (d Delays) For(p DelayParams, rng *rand.Rand) time.Duration {
	d = d.WithDefaults()

	base := uniform(rng, d.MinUser, d.MaxUser)
	if !p.IsUserResponse {
		base = uniform(rng, d.MinBackground, d.MaxBackground)
	}

	delay := base
	if p.Index == 0 {
		if floor := uniform(rng, d.MinFirst, d.MaxFirst); delay < floor {
			delay = floor
		}
	} else {
		delay += time.Duration(p.Index) * uniform(rng, d.MinBetween, d.MaxBetween)
	}

	if p.IsMentioned {
		delay = time.Duration(float64(delay) * MentionedMultiplier)
		if delay < MinMentionedDelay {
			delay = MinMentionedDelay
		}
	}

	if p.TypingAICount > 0 {
		mult := 1 + float64(p.TypingAICount)*(float64(TypingAwarenessDelay)/float64(base))
		if mult > TypingAwarenessMaxMult {
			mult = TypingAwarenessMaxMult
		}
		delay = time.Duration(float64(delay)*mult) + time.Duration(p.TypingAICount)*TypingAwarenessDelay
	}

	if delay < 0 {
		delay = 0
	}
	if clamp := 2 * d.MaxUser; delay > clamp {
		delay = clamp
	}
	return delay
}

func uniform(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}
