package device

import (
	"fmt"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/msg"
)

// PollHandler builds the query message for one poll round.
type PollHandler interface {
	Poll(f *Feature) (*msg.Msg, error)
}

var pollHandlerFactories = map[string]func(p params) (PollHandler, error){
	"status_poll": newStatusPoll,
}

func newPollHandler(b catalog.Binding, featureParams map[string]string) (PollHandler, error) {
	factory, ok := pollHandlerFactories[b.Type]
	if !ok {
		return nil, fmt.Errorf("unknown poll handler type %q", b.Type)
	}
	return factory(merged(b.Params, featureParams))
}

// statusPoll issues a fixed (cmd1, cmd2) status request.
type statusPoll struct {
	cmd1, cmd2 byte
}

func newStatusPoll(p params) (PollHandler, error) {
	cmd1, err := p.byteVal("cmd1")
	if err != nil {
		return nil, fmt.Errorf("status_poll: %w", err)
	}
	cmd2, err := p.byteVal("cmd2")
	if err != nil {
		return nil, fmt.Errorf("status_poll: %w", err)
	}
	return &statusPoll{cmd1: cmd1, cmd2: cmd2}, nil
}

func (h *statusPoll) Poll(f *Feature) (*msg.Msg, error) {
	return f.dev.MakeStandardMessage(h.cmd1, h.cmd2)
}
