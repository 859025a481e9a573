package smartip

// Diagnostics is a support dump for one device. Credentials in Endpoint are
// redacted when marshalled.
type Diagnostics struct {
	DeviceID     string          `json:"device_id"`
	Name         string          `json:"name"`
	Endpoint     DeviceEndpoint  `json:"endpoint"`
	State        LinkState       `json:"state"`
	Polling      bool            `json:"polling"`
	Subscribers  int             `json:"subscribers"`
	Capabilities Capabilities    `json:"capabilities"`
	Stats        Stats           `json:"stats"`
	Snapshot     *DeviceSnapshot `json:"snapshot,omitempty"`
}

// Diagnostics collects the coordinator's current view for support.
func (c *Coordinator) Diagnostics() Diagnostics {
	d := Diagnostics{
		DeviceID:     c.id,
		Name:         c.name,
		Endpoint:     c.endpoint,
		State:        c.State(),
		Polling:      c.poller.Running(),
		Subscribers:  c.SubscriberCount(),
		Capabilities: c.Capabilities(),
		Stats:        c.Stats(),
	}
	if snap, ok := c.Snapshot(); ok {
		d.Snapshot = &snap
	}
	return d
}
