package store

import "time"

// Device is the persisted metadata for one enumerated device.
type Device struct {
	SN          string    `json:"sn"`
	Name        string    `json:"name,omitempty"`
	ProductName string    `json:"product_name"`
	Online      bool      `json:"online"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Session holds the persisted MQTT access grant. The password is hidden
// from API/JSON serialization via json:"-".
type Session struct {
	URL      string    `json:"url"`
	Port     int       `json:"port"`
	Protocol string    `json:"protocol"`
	Username string    `json:"username"`
	Password string    `json:"-"`
	ClientID string    `json:"client_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// sessionStorage is the internal struct used for DB serialization,
// preserving the password on disk.
type sessionStorage struct {
	URL      string    `json:"url"`
	Port     int       `json:"port"`
	Protocol string    `json:"protocol"`
	Username string    `json:"username"`
	Password string    `json:"password,omitempty"`
	ClientID string    `json:"client_id"`
	IssuedAt time.Time `json:"issued_at"`
}
