package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface the bridge needs: the MQTT
// access grant survives process restarts so a fresh certification fetch
// is only needed when credentials rotate, and device metadata survives so
// the web surface can list known devices before the first enumeration
// completes.
type Store interface {
	// MQTT session grant
	SaveSession(s *Session) error
	GetSession() (*Session, error)
	DeleteSession() error

	// Device metadata
	SaveDevice(dev *Device) error
	GetDevice(sn string) (*Device, error)
	DeleteDevice(sn string) error
	ListDevices() ([]*Device, error)

	// Close the store
	Close() error
}
