package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketSession = []byte("session")
	keySession    = []byte("grant")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketSession} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveSession(sess *Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		// Use internal storage struct to persist the password.
		st := sessionStorage{
			URL:      sess.URL,
			Port:     sess.Port,
			Protocol: sess.Protocol,
			Username: sess.Username,
			Password: sess.Password,
			ClientID: sess.ClientID,
			IssuedAt: sess.IssuedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keySession, data)
	})
}

func (s *BoltStore) GetSession() (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		data := b.Get(keySession)
		if data == nil {
			return fmt.Errorf("mqtt session: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the password.
		var st sessionStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		sess = Session{
			URL:      st.URL,
			Port:     st.Port,
			Protocol: st.Protocol,
			Username: st.Username,
			Password: st.Password,
			ClientID: st.ClientID,
			IssuedAt: st.IssuedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) DeleteSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		return b.Delete(keySession)
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.SN), data)
	})
}

func (s *BoltStore) GetDevice(sn string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(sn))
		if data == nil {
			return fmt.Errorf("device %s: %w", sn, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(sn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(sn))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
