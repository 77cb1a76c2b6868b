package bt

// DeviceRegistry holds the peers discovered during the current scan session,
// in first-seen order, with no two entries sharing an address.
type DeviceRegistry struct {
	order []DeviceRef
	index map[string]int
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{index: make(map[string]int)}
}

// Add records d and reports whether its address was new. A repeat sighting
// refreshes the stored snapshot (name, RSSI, bond) but keeps its position.
func (r *DeviceRegistry) Add(d DeviceRef) bool {
	key := NormalizeAddress(d.Address)
	if key == "" {
		return false
	}
	d.Address = key
	if i, ok := r.index[key]; ok {
		prev := r.order[i]
		if d.Name == "" {
			d.Name = prev.Name
		}
		r.order[i] = d
		return false
	}
	r.index[key] = len(r.order)
	r.order = append(r.order, d)
	return true
}

// Lookup returns the entry for address, if present.
func (r *DeviceRegistry) Lookup(address string) (DeviceRef, bool) {
	i, ok := r.index[NormalizeAddress(address)]
	if !ok {
		return DeviceRef{}, false
	}
	return r.order[i], true
}

// Len returns the number of distinct peers.
func (r *DeviceRegistry) Len() int { return len(r.order) }

// List returns a copy of the entries in first-seen order.
func (r *DeviceRegistry) List() []DeviceRef {
	out := make([]DeviceRef, len(r.order))
	copy(out, r.order)
	return out
}

// Clear forgets every entry.
func (r *DeviceRegistry) Clear() {
	r.order = r.order[:0]
	r.index = make(map[string]int)
}
