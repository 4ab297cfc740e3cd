package domain

import "time"

// TagInfo describes one tag in a device's address space.
type TagInfo struct {
	Name     string `json:"tag_name"`
	Path     string `json:"tag_path"`
	DataType string `json:"data_type"`
	Program  string `json:"program,omitempty"`
}

// ListTagsOptions narrows a live tag enumeration.
type ListTagsOptions struct {
	Scope   string `json:"scope,omitempty"`
	Search  string `json:"search,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}

// SnapshotInfo is returned by snapshot creation.
type SnapshotInfo struct {
	ID         string    `json:"snapshot_id"`
	Total      int       `json:"total"`
	TotalPages int       `json:"totalPages"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PageRequest asks for one page of a snapshot.
type PageRequest struct {
	SnapshotID string `json:"snapshot_id"`
	Scope      string `json:"scope,omitempty"`
	Page       int    `json:"page,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Search     string `json:"search,omitempty"`
}

// SnapshotPage is one deterministic page of a snapshot.
type SnapshotPage struct {
	Items         []TagInfo `json:"items"`
	HasMore       bool      `json:"hasMore"`
	Total         int       `json:"total"`
	TotalFiltered int       `json:"totalFiltered"`
	Page          int       `json:"page"`
	TotalPages    int       `json:"totalPages"`
	Programs      []string  `json:"programs"`
}

// DeviceIdentity is the CIP identity of a discovered device.
type DeviceIdentity struct {
	IPAddress    string `json:"ip_address"`
	VendorID     uint16 `json:"vendor_id"`
	DeviceType   uint16 `json:"device_type"`
	ProductCode  uint16 `json:"product_code"`
	Revision     string `json:"revision"`
	Status       uint16 `json:"status"`
	SerialNumber string `json:"serial_number"`
	ProductName  string `json:"product_name"`
	State        uint8  `json:"state"`
}

// RackModule is one populated slot of a chassis.
type RackModule struct {
	Slot        int    `json:"slot"`
	ProductName string `json:"product_name"`
	ProductCode uint16 `json:"product_code"`
	Revision    string `json:"revision,omitempty"`
	Serial      string `json:"serial_number,omitempty"`
}

// RackConfiguration describes the chassis behind an adapter.
type RackConfiguration struct {
	IPAddress string         `json:"ip_address"`
	Slot      int            `json:"slot"`
	Identity  DeviceIdentity `json:"identity"`
	Modules   []RackModule   `json:"modules"`
}

// BrowseNode is one child returned by an address-space browse.
type BrowseNode struct {
	NodeID      string `json:"node_id"`
	BrowseName  string `json:"browse_name"`
	DisplayName string `json:"display_name"`
	NodeClass   string `json:"node_class"`
	DataType    string `json:"data_type,omitempty"`
	Removed     bool   `json:"removed,omitempty"`
}

// NodeAttributes is the attribute set of a single node.
type NodeAttributes struct {
	NodeID      string         `json:"node_id"`
	BrowseName  string         `json:"browse_name"`
	DisplayName string         `json:"display_name"`
	NodeClass   string         `json:"node_class"`
	DataType    string         `json:"data_type,omitempty"`
	Value       any            `json:"value,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}
