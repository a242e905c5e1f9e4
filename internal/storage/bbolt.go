package storage

import (
	"fmt"
	"time"

	"boltalka/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketProfile   = []byte("profile")
	bucketLastSeen  = []byte("last_seen")
	bucketRoomNames = []byte("room_names")
)

// BboltStore is the client's local bookkeeping database: the signed-in
// profile, per-room last-seen marks and cached room display names. Messages
// are never persisted here; history is owned by the remote service.
type BboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProfile); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketLastSeen); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRoomNames); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// SaveProfile stores the signed-in user.
func (s *BboltStore) SaveProfile(user models.User) error {
	p := &DBProfile{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Color:       user.Color,
		IsAnonymous: user.IsAnonymous,
	}
	return s.put(bucketProfile, p)
}

// LoadProfile returns the stored user, or models.ErrNotFound when no profile
// has been saved yet.
func (s *BboltStore) LoadProfile() (models.User, error) {
	var p DBProfile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProfile).Get(p.Key())
		if data == nil {
			return models.ErrNotFound
		}
		return p.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, err
	}
	return models.User{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		IsAnonymous: p.IsAnonymous,
	}, nil
}

// ClearProfile forgets the signed-in user.
func (s *BboltStore) ClearProfile() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var p DBProfile
		return tx.Bucket(bucketProfile).Delete(p.Key())
	})
}

// MarkSeen records the given timestamp as the last-seen mark for a room.
func (s *BboltStore) MarkSeen(roomID string, ts time.Time) error {
	l := &DBLastSeen{RoomID: roomID, Timestamp: ts.UTC().Format(time.RFC3339)}
	return s.put(bucketLastSeen, l)
}

// LastSeen returns all last-seen marks keyed by room id, in the string form
// the unread-count service expects.
func (s *BboltStore) LastSeen() (map[string]string, error) {
	marks := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLastSeen).ForEach(func(k, v []byte) error {
			var l DBLastSeen
			if err := l.UnmarshalBinary(v); err != nil {
				return err
			}
			marks[l.RoomID] = l.Timestamp
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return marks, nil
}

// CacheRoomName stores an enriched room display name.
func (s *BboltStore) CacheRoomName(roomID, name string) error {
	return s.put(bucketRoomNames, &DBRoomName{RoomID: roomID, Name: name})
}

// RoomName returns a cached room display name, or models.ErrNotFound.
func (s *BboltStore) RoomName(roomID string) (string, error) {
	var r DBRoomName
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRoomNames).Get([]byte(roomID))
		if data == nil {
			return models.ErrNotFound
		}
		return r.UnmarshalBinary(data)
	})
	if err != nil {
		return "", err
	}
	return r.Name, nil
}

func (s *BboltStore) put(bucket []byte, v Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := v.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return tx.Bucket(bucket).Put(v.Key(), data)
	})
}
