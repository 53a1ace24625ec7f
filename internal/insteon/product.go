package insteon

import "fmt"

// ProductData is what a device reports about itself, accumulated from
// identification broadcasts, catalog lookups and the persisted store.
type ProductData struct {
	Category        byte   `json:"category"`
	SubCategory     byte   `json:"subcategory"`
	ProductKey      string `json:"product_key,omitempty"`
	Description     string `json:"description,omitempty"`
	Model           string `json:"model,omitempty"`
	FirmwareVersion byte   `json:"firmware_version,omitempty"`
	HardwareVersion byte   `json:"hardware_version,omitempty"`
}

// Merge folds another report into this one, preferring fields that are
// already known over incoming zero values.
func (p *ProductData) Merge(other ProductData) {
	if p.Category == 0 {
		p.Category = other.Category
	}
	if p.SubCategory == 0 {
		p.SubCategory = other.SubCategory
	}
	if p.ProductKey == "" {
		p.ProductKey = other.ProductKey
	}
	if p.Description == "" {
		p.Description = other.Description
	}
	if p.Model == "" {
		p.Model = other.Model
	}
	if p.FirmwareVersion == 0 {
		p.FirmwareVersion = other.FirmwareVersion
	}
	if p.HardwareVersion == 0 {
		p.HardwareVersion = other.HardwareVersion
	}
}

// Known reports whether a category/subcategory pair has been learned.
func (p ProductData) Known() bool {
	return p.Category != 0 || p.SubCategory != 0
}

func (p ProductData) String() string {
	s := fmt.Sprintf("%02X.%02X", p.Category, p.SubCategory)
	if p.Model != "" {
		s += " " + p.Model
	}
	if p.Description != "" {
		s += " (" + p.Description + ")"
	}
	return s
}
