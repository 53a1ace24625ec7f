// Package catalog loads the externally-declared device-type, feature and
// product catalogs that bind device capabilities to concrete handlers.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed device_types.yaml
var defaultDeviceTypes []byte

//go:embed feature_templates.yaml
var defaultFeatures []byte

//go:embed products.yaml
var defaultProducts []byte

// Binding names a handler implementation plus its free-form parameters.
type Binding struct {
	Type   string            `yaml:"type"`
	Params map[string]string `yaml:"params,omitempty"`
}

// FeatureTemplate declares one feature's handler wiring. Message handlers
// are keyed by cmd1 in hex ("0x11") with an optional "default" entry;
// command handlers by command name.
type FeatureTemplate struct {
	Name            string             `yaml:"name"`
	Pollable        bool               `yaml:"pollable,omitempty"`
	QueryTimeoutMS  int                `yaml:"query_timeout_ms,omitempty"`
	Dispatcher      Binding            `yaml:"dispatcher"`
	MessageHandlers map[string]Binding `yaml:"message_handlers,omitempty"`
	CommandHandlers map[string]Binding `yaml:"command_handlers,omitempty"`
	PollHandler     *Binding           `yaml:"poll_handler,omitempty"`
}

// FeatureEntry instantiates a template under a feature name on a device type.
type FeatureEntry struct {
	Name     string            `yaml:"name"`
	Template string            `yaml:"template"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// FeatureGroup declares a named group of connected features (e.g. keypad
// buttons tied to their load feature).
type FeatureGroup struct {
	Name      string   `yaml:"name"`
	Connected []string `yaml:"connected"`
}

// DeviceType describes one known device kind.
type DeviceType struct {
	Name             string         `yaml:"name"`
	BatteryPowered   bool           `yaml:"battery_powered,omitempty"`
	StayAwakeCapable bool           `yaml:"stay_awake_capable,omitempty"`
	CRC2             bool           `yaml:"crc2,omitempty"` // 2-byte CRC on extended messages
	Features         []FeatureEntry `yaml:"features"`
	FeatureGroups    []FeatureGroup `yaml:"feature_groups,omitempty"`
}

// Product maps a category/subcategory pair to descriptive metadata and a
// device type.
type Product struct {
	Category    int    `yaml:"category"`
	SubCategory int    `yaml:"subcategory"`
	ProductKey  string `yaml:"product_key,omitempty"`
	Description string `yaml:"description,omitempty"`
	Model       string `yaml:"model,omitempty"`
	DeviceType  string `yaml:"device_type"`
}

type productKey struct{ cat, sub int }

// Catalog is the loaded, immutable catalog set.
type Catalog struct {
	deviceTypes map[string]*DeviceType
	features    map[string]*FeatureTemplate
	products    map[productKey]*Product
}

// Default loads the embedded catalogs.
func Default() (*Catalog, error) {
	return Load(defaultDeviceTypes, defaultFeatures, defaultProducts)
}

// Load parses the three catalog documents and cross-checks references.
func Load(deviceTypes, features, products []byte) (*Catalog, error) {
	c := &Catalog{
		deviceTypes: make(map[string]*DeviceType),
		features:    make(map[string]*FeatureTemplate),
		products:    make(map[productKey]*Product),
	}

	var fts []FeatureTemplate
	if err := yaml.Unmarshal(features, &fts); err != nil {
		return nil, fmt.Errorf("parse feature templates: %w", err)
	}
	for i := range fts {
		ft := &fts[i]
		if _, dup := c.features[ft.Name]; dup {
			return nil, fmt.Errorf("feature template %q declared twice", ft.Name)
		}
		c.features[ft.Name] = ft
	}

	var dts []DeviceType
	if err := yaml.Unmarshal(deviceTypes, &dts); err != nil {
		return nil, fmt.Errorf("parse device types: %w", err)
	}
	for i := range dts {
		dt := &dts[i]
		if _, dup := c.deviceTypes[dt.Name]; dup {
			return nil, fmt.Errorf("device type %q declared twice", dt.Name)
		}
		for _, fe := range dt.Features {
			if _, ok := c.features[fe.Template]; !ok {
				return nil, fmt.Errorf("device type %q: unknown feature template %q", dt.Name, fe.Template)
			}
		}
		for _, fg := range dt.FeatureGroups {
			for _, name := range fg.Connected {
				if !dt.hasFeature(name) {
					return nil, fmt.Errorf("device type %q: group %q connects unknown feature %q", dt.Name, fg.Name, name)
				}
			}
		}
		c.deviceTypes[dt.Name] = dt
	}

	var ps []Product
	if err := yaml.Unmarshal(products, &ps); err != nil {
		return nil, fmt.Errorf("parse products: %w", err)
	}
	for i := range ps {
		p := &ps[i]
		if _, ok := c.deviceTypes[p.DeviceType]; !ok {
			return nil, fmt.Errorf("product %02X.%02X: unknown device type %q", p.Category, p.SubCategory, p.DeviceType)
		}
		c.products[productKey{p.Category, p.SubCategory}] = p
	}
	return c, nil
}

// LoadDir reads catalog overrides from a directory: device_types.yaml,
// feature_templates.yaml and products.yaml, falling back to the embedded
// defaults for any file that is absent.
func LoadDir(dir string, logger *slog.Logger) (*Catalog, error) {
	read := func(name string, fallback []byte) []byte {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fallback
		}
		logger.Info("catalog override loaded", "file", name)
		return data
	}
	return Load(
		read("device_types.yaml", defaultDeviceTypes),
		read("feature_templates.yaml", defaultFeatures),
		read("products.yaml", defaultProducts),
	)
}

func (dt *DeviceType) hasFeature(name string) bool {
	for _, fe := range dt.Features {
		if fe.Name == name {
			return true
		}
	}
	return false
}

// DeviceType looks up a device type by name.
func (c *Catalog) DeviceType(name string) (*DeviceType, bool) {
	dt, ok := c.deviceTypes[name]
	return dt, ok
}

// FeatureTemplate looks up a feature template by name.
func (c *Catalog) FeatureTemplate(name string) (*FeatureTemplate, bool) {
	ft, ok := c.features[name]
	return ft, ok
}

// Product looks up product metadata by device category and subcategory.
func (c *Catalog) Product(category, subCategory byte) (*Product, bool) {
	p, ok := c.products[productKey{int(category), int(subCategory)}]
	return p, ok
}

// Len reports catalog sizes for startup logging.
func (c *Catalog) Len() (deviceTypes, features, products int) {
	return len(c.deviceTypes), len(c.features), len(c.products)
}
