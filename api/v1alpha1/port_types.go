package v1alpha1

import "time"

// LocalLinkConnection is the physical switch linkage of a port.
type LocalLinkConnection struct {
	SwitchID   string `json:"switch_id,omitempty"`
	PortID     string `json:"port_id,omitempty"`
	SwitchInfo string `json:"switch_info,omitempty"`
}

// Port is a network attachment point of a node.
type Port struct {
	UUID          string `json:"uuid"`
	NodeUUID      string `json:"node_uuid"`
	PortGroupUUID string `json:"portgroup_uuid,omitempty"`

	// Address is the MAC address, unique across all ports
	Address string `json:"address"`

	PXEEnabled          bool                `json:"pxe_enabled"`
	LocalLinkConnection LocalLinkConnection `json:"local_link_connection"`
	Extra               map[string]string   `json:"extra,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PortGroup bonds several ports of a node.
type PortGroup struct {
	UUID     string `json:"uuid"`
	NodeUUID string `json:"node_uuid"`
	Name     string `json:"name,omitempty"`

	// Address is the MAC address of the bond
	Address string `json:"address,omitempty"`

	Mode      string    `json:"mode,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chassis groups nodes. Deleting a chassis detaches its nodes.
type Chassis struct {
	UUID        string            `json:"uuid"`
	Description string            `json:"description,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
