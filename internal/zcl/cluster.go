package zcl

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// AttributeDef defines a ZCL attribute.
// Key is the camelCase name used by the host gateway API (e.g. "measuredValue").
type AttributeDef struct {
	ID     uint16 `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Key    string `json:"key" yaml:"key"`
	Type   uint8  `json:"type" yaml:"type"`
	Access uint8  `json:"access" yaml:"access"` // bitmask: 1=read, 2=write, 4=reportable
}

// IsReadable returns true if the attribute can be read.
func (a *AttributeDef) IsReadable() bool {
	return a.Access&AccessRead != 0
}

// IsReportable returns true if the attribute supports reporting.
func (a *AttributeDef) IsReportable() bool {
	return a.Access&AccessReport != 0
}

// ClusterDef defines a ZCL cluster with its attributes.
// Key is the cluster name used by the host gateway API (e.g. "msTemperatureMeasurement").
type ClusterDef struct {
	ID         uint16         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Key        string         `json:"key" yaml:"key"`
	Attributes []AttributeDef `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// FindAttribute looks up an attribute by ID.
func (c *ClusterDef) FindAttribute(id uint16) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindAttributeKey looks up an attribute by its gateway key.
func (c *ClusterDef) FindAttributeKey(key string) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].Key == key {
			return &c.Attributes[i]
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	if c.Attributes != nil {
		cp.Attributes = make([]AttributeDef, len(c.Attributes))
		copy(cp.Attributes, c.Attributes)
	}
	return &cp
}

// Merge adds attributes from another definition that are not yet present.
// Name and Key are filled in only when missing.
func (c *ClusterDef) Merge(other *ClusterDef) {
	if c.Name == "" {
		c.Name = other.Name
	}
	if c.Key == "" {
		c.Key = other.Key
	}
	for _, attr := range other.Attributes {
		if c.FindAttribute(attr.ID) == nil {
			c.Attributes = append(c.Attributes, attr)
		}
	}
}
