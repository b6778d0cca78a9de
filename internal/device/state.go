package device

import (
	"sync"
	"time"
)

// Domain separates the three entity families a device exposes.
type Domain string

const (
	DomainSensors  Domain = "sensors"
	DomainSwitches Domain = "switches"
	DomainSelects  Domain = "selects"
)

// Value is one field's current reading with its display metadata.
type Value struct {
	Name        string         `json:"name"`
	Value       any            `json:"value"`
	Visible     bool           `json:"visible"`
	CustomAttrs map[string]any `json:"custom_attrs,omitempty"`
}

// State is the per-device holder of parsed and derived values. All writes
// go through the holder's mutex so the MQTT delta path and the polling
// snapshot path never mutate it concurrently.
type State struct {
	mu         sync.RWMutex
	fields     map[Domain]map[string]Value
	visibility map[string]bool
	attrs      map[string]map[string]any
	lastUpdate time.Time
}

// NewState creates an empty state holder.
func NewState() *State {
	s := &State{}
	s.resetLocked()
	return s
}

func (s *State) resetLocked() {
	s.fields = map[Domain]map[string]Value{
		DomainSensors:  {},
		DomainSwitches: {},
		DomainSelects:  {},
	}
	if s.visibility == nil {
		s.visibility = make(map[string]bool)
	}
	if s.attrs == nil {
		s.attrs = make(map[string]map[string]any)
	}
}

// Reset clears all field values ahead of a full snapshot rebuild.
// Visibility and custom attributes survive; the snapshot parse rewrites
// them anyway.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Set writes one field value.
func (s *State) Set(domain Domain, key FieldKey, name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[domain][key.String()] = Value{Name: name, Value: value}
	s.lastUpdate = time.Now()
}

// Update rewrites an existing field's value in place, keeping its display
// name. Unknown keys are ignored; reports whether a write happened.
func (s *State) Update(domain Domain, key FieldKey, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	v, ok := s.fields[domain][k]
	if !ok {
		return false
	}
	v.Value = value
	s.fields[domain][k] = v
	s.lastUpdate = time.Now()
	return true
}

// Get reads one field value. The returned Value carries the resolved
// visibility flag and custom attributes.
func (s *State) Get(domain Domain, key FieldKey) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fields[domain][key.String()]
	if !ok {
		return Value{}, false
	}
	return s.decorateLocked(key.String(), v), true
}

// Fields returns a copy of one domain's field map, decorated with
// visibility and custom attributes.
func (s *State) Fields(domain Domain) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.fields[domain]))
	for k, v := range s.fields[domain] {
		out[k] = s.decorateLocked(k, v)
	}
	return out
}

func (s *State) decorateLocked(key string, v Value) Value {
	visible, tracked := s.visibility[key]
	v.Visible = visible || !tracked
	if attrs, ok := s.attrs[key]; ok {
		v.CustomAttrs = attrs
	}
	return v
}

// SetVisibility marks a single field key visible or hidden.
func (s *State) SetVisibility(key FieldKey, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visibility[key.String()] = visible
}

// Visible reports a field's visibility; untracked keys default to visible.
func (s *State) Visible(key FieldKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	visible, tracked := s.visibility[key.String()]
	return visible || !tracked
}

// SetCustomAttrs attaches presentation attributes to a field key.
func (s *State) SetCustomAttrs(key FieldKey, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key.String()] = attrs
}

// LastUpdate returns the time of the most recent field write.
func (s *State) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}
