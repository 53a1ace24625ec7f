package msg

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed definitions.yaml
var defaultDefinitions []byte

type inboundKey struct {
	cmd      byte
	extended bool
}

// Registry holds the message schema catalog, loaded once at startup.
// Outbound templates are keyed by name, inbound reply templates by
// (command byte, extended flag).
type Registry struct {
	byName  map[string]*Definition
	inbound map[inboundKey]*Definition
}

// fieldSpec is the catalog entry for one field.
type fieldSpec struct {
	Name  string `yaml:"name"`
	Width int    `yaml:"width"`
	Value *int   `yaml:"value,omitempty"` // preset byte, fixed in the template
}

// definitionSpec is the catalog entry for one message schema.
type definitionSpec struct {
	Name      string      `yaml:"name"`
	Direction string      `yaml:"direction"` // "to_modem" | "from_modem"
	Extended  bool        `yaml:"extended,omitempty"`
	Fields    []fieldSpec `yaml:"fields"`
}

// LoadRegistry parses a schema catalog. Every schema must start with the
// 0x02 start byte and a command byte preset.
func LoadRegistry(data []byte) (*Registry, error) {
	var specs []definitionSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse message definitions: %w", err)
	}

	r := &Registry{
		byName:  make(map[string]*Definition),
		inbound: make(map[inboundKey]*Definition),
	}
	for _, spec := range specs {
		def, err := buildDefinition(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("message definition %q declared twice", def.Name)
		}
		r.byName[def.Name] = def
		if def.Direction == FromModem {
			key := inboundKey{def.Cmd, def.Extended}
			if _, dup := r.inbound[key]; dup {
				return nil, fmt.Errorf("duplicate inbound schema for cmd 0x%02X extended=%v", def.Cmd, def.Extended)
			}
			r.inbound[key] = def
		}
	}
	return r, nil
}

// DefaultRegistry loads the embedded schema catalog.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultDefinitions)
}

func buildDefinition(spec definitionSpec) (*Definition, error) {
	var dir Direction
	switch spec.Direction {
	case "to_modem":
		dir = ToModem
	case "from_modem":
		dir = FromModem
	default:
		return nil, fmt.Errorf("definition %q: bad direction %q", spec.Name, spec.Direction)
	}

	def := &Definition{
		Name:      spec.Name,
		Direction: dir,
		Extended:  spec.Extended,
		byName:    make(map[string]Field),
	}
	offset := 0
	for _, fs := range spec.Fields {
		if fs.Width < 1 {
			return nil, fmt.Errorf("definition %q: field %q has width %d", spec.Name, fs.Name, fs.Width)
		}
		f := Field{Name: fs.Name, Offset: offset, Width: fs.Width}
		if _, dup := def.byName[f.Name]; dup {
			return nil, fmt.Errorf("definition %q: field %q declared twice", spec.Name, f.Name)
		}
		def.fields = append(def.fields, f)
		def.byName[f.Name] = f
		offset += fs.Width
	}
	def.Length = offset
	def.template = make([]byte, def.Length)
	for i, fs := range spec.Fields {
		if fs.Value == nil {
			continue
		}
		v := *fs.Value
		if err := def.fields[i].setInt(def.template, v); err != nil {
			return nil, fmt.Errorf("definition %q: preset for %q: %w", spec.Name, fs.Name, err)
		}
	}
	if def.Length < 2 || def.template[0] != 0x02 {
		return nil, fmt.Errorf("definition %q: must start with the 0x02 start byte and a command byte", spec.Name)
	}
	def.Cmd = def.template[1]
	return def, nil
}

// Encode instantiates a named outbound template.
func (r *Registry) Encode(name string) (*Msg, error) {
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
	}
	return newMsg(def), nil
}

// Decode interprets n received bytes against the inbound template for
// their command byte. ErrNoTemplate means the command is unknown;
// ErrLengthMismatch means the frame disagrees with its schema length
// (the caller logs and rejects the message).
func (r *Registry) Decode(buf []byte, n int, extended bool) (*Msg, error) {
	if n == 1 && buf[0] == PureNACK {
		return PureNackMsg(), nil
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: %d-byte frame", ErrNoTemplate, n)
	}
	def, ok := r.inbound[inboundKey{buf[1], extended}]
	if !ok {
		return nil, fmt.Errorf("%w: cmd 0x%02X extended=%v", ErrNoTemplate, buf[1], extended)
	}
	if n != def.Length {
		return nil, fmt.Errorf("%w: cmd 0x%02X got %d bytes, schema says %d", ErrLengthMismatch, buf[1], n, def.Length)
	}
	m := newMsg(def)
	copy(m.Data, buf[:n])
	return m, nil
}

// InboundDef returns the inbound schema for a command byte, if any.
func (r *Registry) InboundDef(cmd byte, extended bool) (*Definition, bool) {
	def, ok := r.inbound[inboundKey{cmd, extended}]
	return def, ok
}

// PureNackMsg builds the modem's schema-less one-byte reject message.
func PureNackMsg() *Msg {
	return &Msg{
		Data:      []byte{PureNACK},
		Direction: FromModem,
		Timestamp: time.Now(),
		QuietTime: DefaultQuietTime,
	}
}
