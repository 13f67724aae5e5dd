package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// ErrNoGPIO is returned by [Open] when the host has no usable GPIO driver.
var ErrNoGPIO = errors.New("hardware: gpio unavailable")

// GPIOConfig names the pins of the speaker hat. Empty names disable the
// corresponding function.
type GPIOConfig struct {
	Button    string
	LED       string
	Amplifier string
	ActiveLow bool
}

// Board holds the opened GPIO devices.
type Board struct {
	Button    *Button
	LED       *LED
	Amplifier *OutputPin
}

// Open initialises the host drivers and claims the configured pins.
func Open(cfg GPIOConfig) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGPIO, err)
	}
	return Claim(cfg)
}

// Claim configures the pins named in cfg from the GPIO registry. When a pin
// cannot be claimed, the pins already configured are released again.
func Claim(cfg GPIOConfig) (*Board, error) {
	b := &Board{}
	if err := b.claim(cfg); err != nil {
		if cerr := b.Close(); cerr != nil {
			slog.Warn("hardware: release pins", "err", cerr)
		}
		return nil, err
	}
	slog.Info("gpio ready", "button", cfg.Button, "led", cfg.LED, "amplifier", cfg.Amplifier)
	return b, nil
}

func (b *Board) claim(cfg GPIOConfig) error {
	if cfg.Button != "" {
		p, err := lookup(cfg.Button)
		if err != nil {
			return err
		}
		if b.Button, err = NewButton(p, cfg.ActiveLow); err != nil {
			return err
		}
	}
	if cfg.LED != "" {
		p, err := lookup(cfg.LED)
		if err != nil {
			return err
		}
		b.LED = NewLED(p)
	}
	if cfg.Amplifier != "" {
		p, err := lookup(cfg.Amplifier)
		if err != nil {
			return err
		}
		if b.Amplifier, err = NewOutputPin(p); err != nil {
			return err
		}
	}
	return nil
}

// Close switches the LED and amplifier off and lets the button line float.
func (b *Board) Close() error {
	var errs []error
	if b.LED != nil {
		b.LED.SetPattern(PatternOff)
		errs = append(errs, b.LED.pin.Out(gpio.Low))
	}
	if b.Amplifier != nil {
		errs = append(errs, b.Amplifier.Disable())
	}
	if b.Button != nil {
		errs = append(errs, b.Button.pin.In(gpio.Float, gpio.NoEdge))
	}
	return errors.Join(errs...)
}

func lookup(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: no pin named %q", ErrNoGPIO, name)
	}
	return p, nil
}

// ── Button ───────────────────────────────────────────────────────────────────

// Button is a [TalkSignal] read from a GPIO input.
type Button struct {
	pin       gpio.PinIn
	activeLow bool
}

// NewButton configures pin as an input. An active-low button is wired to
// ground and uses the internal pull-up.
func NewButton(pin gpio.PinIn, activeLow bool) (*Button, error) {
	pull := gpio.PullDown
	if activeLow {
		pull = gpio.PullUp
	}
	if err := pin.In(pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("hardware: configure button %s: %w", pin, err)
	}
	return &Button{pin: pin, activeLow: activeLow}, nil
}

// Pressed implements [TalkSignal].
func (b *Button) Pressed() bool {
	l := b.pin.Read()
	if b.activeLow {
		return l == gpio.Low
	}
	return l == gpio.High
}

// ── Output pin ───────────────────────────────────────────────────────────────

// OutputPin drives a digital output such as the amplifier shutdown line. It
// implements [Amplifier].
type OutputPin struct {
	pin gpio.PinOut
}

// NewOutputPin configures pin as an output, initially low.
func NewOutputPin(pin gpio.PinOut) (*OutputPin, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("hardware: configure output %s: %w", pin, err)
	}
	return &OutputPin{pin: pin}, nil
}

// Enable drives the pin high.
func (o *OutputPin) Enable() error { return o.pin.Out(gpio.High) }

// Disable drives the pin low.
func (o *OutputPin) Disable() error { return o.pin.Out(gpio.Low) }

// ── LED ──────────────────────────────────────────────────────────────────────

const (
	ledTick      = 50 * time.Millisecond
	blinkPeriod  = 500 * time.Millisecond
	pulsePeriod  = time.Second
	pwmFrequency = 1 * physic.KiloHertz
)

// LED animates a GPIO output. Patterns are rendered by [LED.Run]; until it
// runs, only solid and off take effect.
type LED struct {
	pin gpio.PinOut

	mu      sync.Mutex
	pattern Pattern
	since   time.Time
	noPWM   bool
}

// NewLED returns an LED on pin, initially off.
func NewLED(pin gpio.PinOut) *LED {
	return &LED{pin: pin, pattern: PatternOff}
}

// SetPattern implements [Indicator].
func (l *LED) SetPattern(p Pattern) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pattern == p {
		return
	}
	l.pattern = p
	l.since = time.Now()
	l.renderLocked(0)
}

// Pattern returns the current pattern.
func (l *LED) Pattern() Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pattern
}

// Run renders animated patterns until ctx is cancelled, then turns the LED
// off.
func (l *LED) Run(ctx context.Context) error {
	t := time.NewTicker(ledTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return l.pin.Out(gpio.Low)
		case now := <-t.C:
			l.mu.Lock()
			l.renderLocked(now.Sub(l.since))
			l.mu.Unlock()
		}
	}
}

// renderLocked drives the pin for the current pattern at elapsed time into
// the animation.
func (l *LED) renderLocked(elapsed time.Duration) {
	var err error
	switch l.pattern {
	case PatternOff:
		err = l.pin.Out(gpio.Low)
	case PatternSolid:
		err = l.pin.Out(gpio.High)
	case PatternBlink:
		err = l.pin.Out(blinkLevel(elapsed))
	case PatternPulse:
		if l.noPWM {
			err = l.pin.Out(blinkLevel(elapsed))
			break
		}
		if perr := l.pin.PWM(pulseDuty(elapsed), pwmFrequency); perr != nil {
			slog.Debug("hardware: LED pin has no PWM, pulsing as blink", "err", perr)
			l.noPWM = true
			err = l.pin.Out(blinkLevel(elapsed))
		}
	}
	if err != nil {
		slog.Warn("hardware: drive LED", "pattern", string(l.pattern), "err", err)
	}
}

func blinkLevel(elapsed time.Duration) gpio.Level {
	return gpio.Level(elapsed%blinkPeriod < blinkPeriod/2)
}

// pulseDuty returns a triangle wave from 0 to full brightness and back over
// one pulse period.
func pulseDuty(elapsed time.Duration) gpio.Duty {
	phase := elapsed % pulsePeriod
	half := pulsePeriod / 2
	if phase > half {
		phase = pulsePeriod - phase
	}
	return gpio.Duty(int64(gpio.DutyMax) * int64(phase) / int64(half))
}
