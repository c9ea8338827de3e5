package swd

import (
	"periph.io/x/conn/v3/gpio"
)

// GpioPin adapts a periph.io pin to the wire driver's Pin interface. The
// level is tracked so direction changes re-assert it, and SetInput
// releases the line without a pull : it is the target's responsibility
// to pull SWDIO.
type GpioPin struct {
	pin    gpio.PinIO
	level  gpio.Level
	output bool
}

// NewGpioPin wraps a periph.io pin, starting as input.
func NewGpioPin(pin gpio.PinIO) *GpioPin {
	p := &GpioPin{pin: pin}
	p.SetInput()
	return p
}

func (p *GpioPin) SetHigh() {
	p.level = gpio.High
	if p.output {
		_ = p.pin.Out(gpio.High)
	}
}

func (p *GpioPin) SetLow() {
	p.level = gpio.Low
	if p.output {
		_ = p.pin.Out(gpio.Low)
	}
}

func (p *GpioPin) SetInput() {
	p.output = false
	_ = p.pin.In(gpio.Float, gpio.NoEdge)
}

func (p *GpioPin) SetOutput() {
	p.output = true
	_ = p.pin.Out(p.level)
}

func (p *GpioPin) Read() bool {
	return p.pin.Read() == gpio.High
}
