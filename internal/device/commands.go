package device

import (
	"fmt"
	"strconv"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/insteon"
)

// CommandHandler turns a platform command into outbound requests. Called
// with the device lock held.
type CommandHandler interface {
	HandleCommand(f *Feature, value string) error
}

var commandHandlerFactories = map[string]func(p params) (CommandHandler, error){
	"onoff_cmd":   newOnOffCmd,
	"percent_cmd": newPercentCmd,
	"refresh_cmd": newRefreshCmd,
	"x10_cmd":     newX10Cmd,
}

func newCommandHandler(b catalog.Binding, featureParams map[string]string) (CommandHandler, error) {
	factory, ok := commandHandlerFactories[b.Type]
	if !ok {
		return nil, fmt.Errorf("unknown command handler type %q", b.Type)
	}
	return factory(merged(b.Params, featureParams))
}

// onOffCmd sends a fixed (cmd1, cmd2) direct message.
type onOffCmd struct {
	cmd1, cmd2 byte
}

func newOnOffCmd(p params) (CommandHandler, error) {
	cmd1, err := p.byteVal("cmd1")
	if err != nil {
		return nil, fmt.Errorf("onoff_cmd: %w", err)
	}
	cmd2, err := p.byteVal("cmd2")
	if err != nil {
		return nil, fmt.Errorf("onoff_cmd: %w", err)
	}
	return &onOffCmd{cmd1: cmd1, cmd2: cmd2}, nil
}

func (h *onOffCmd) HandleCommand(f *Feature, value string) error {
	m, err := f.dev.MakeStandardMessage(h.cmd1, h.cmd2)
	if err != nil {
		return err
	}
	f.dev.enqueueLocked(&request{
		name:    f.name + "-cmd",
		m:       m,
		feature: f,
		when:    f.dev.now(),
	})
	return nil
}

// percentCmd scales a 0..100 value onto cmd2.
type percentCmd struct {
	cmd1 byte
}

func newPercentCmd(p params) (CommandHandler, error) {
	cmd1, err := p.byteVal("cmd1")
	if err != nil {
		return nil, fmt.Errorf("percent_cmd: %w", err)
	}
	return &percentCmd{cmd1: cmd1}, nil
}

func (h *percentCmd) HandleCommand(f *Feature, value string) error {
	pct, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("percent command %q: %w", value, err)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	level := byte(pct * 255 / 100)
	m, err := f.dev.MakeStandardMessage(h.cmd1, level)
	if err != nil {
		return err
	}
	f.dev.enqueueLocked(&request{
		name:    f.name + "-cmd",
		m:       m,
		feature: f,
		when:    f.dev.now(),
	})
	return nil
}

// refreshCmd re-runs the feature's poll query on demand.
type refreshCmd struct{}

func newRefreshCmd(params) (CommandHandler, error) { return refreshCmd{}, nil }

func (refreshCmd) HandleCommand(f *Feature, value string) error {
	if f.pollHandler == nil {
		return fmt.Errorf("feature %q is not pollable", f.name)
	}
	f.triggerPoll(0)
	return nil
}

// x10Cmd sends the two-frame X10 sequence: address frame then function
// frame. Both carry the X10 quiet time.
type x10Cmd struct {
	function byte
}

func newX10Cmd(p params) (CommandHandler, error) {
	name := p.str("function", "")
	fn, ok := insteon.X10FunctionCode(name)
	if !ok {
		return nil, fmt.Errorf("x10_cmd: unknown function %q", name)
	}
	return &x10Cmd{function: fn}, nil
}

func (h *x10Cmd) HandleCommand(f *Feature, value string) error {
	dev := f.dev
	addr, err := dev.reg.Encode("SendX10Message")
	if err != nil {
		return err
	}
	if err := addr.SetByte("rawX10", dev.addr.X10HouseEncoded()<<4|dev.addr.X10UnitEncoded()); err != nil {
		return err
	}
	if err := addr.SetByte("X10Flag", insteon.X10FlagAddress); err != nil {
		return err
	}

	fn, err := dev.reg.Encode("SendX10Message")
	if err != nil {
		return err
	}
	if err := fn.SetByte("rawX10", dev.addr.X10HouseEncoded()<<4|h.function); err != nil {
		return err
	}
	if err := fn.SetByte("X10Flag", insteon.X10FlagCommand); err != nil {
		return err
	}

	now := dev.now()
	dev.enqueueLocked(&request{name: f.name + "-x10-addr", m: addr, when: now})
	dev.enqueueLocked(&request{name: f.name + "-x10-func", m: fn, when: now})
	return nil
}
