package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBProfile is the locally signed-in user, persisted so anonymous identities
// survive restarts.
type DBProfile struct {
	ID          string `msgpack:"id"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	Color       string `msgpack:"color"`
	IsAnonymous bool   `msgpack:"isAnonymous"`
}

func (p *DBProfile) Key() []byte {
	return []byte("self")
}

func (p *DBProfile) MarshalBinary() (data []byte, err error) {
	type alias DBProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *DBProfile) UnmarshalBinary(data []byte) error {
	type alias DBProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

// DBLastSeen records when a room was last viewed, the input the unread-count
// service expects.
type DBLastSeen struct {
	RoomID    string `msgpack:"roomId"`
	Timestamp string `msgpack:"timestamp"`
}

func (l *DBLastSeen) Key() []byte {
	return []byte(l.RoomID)
}

func (l *DBLastSeen) MarshalBinary() (data []byte, err error) {
	type alias DBLastSeen
	return msgpack.Marshal((*alias)(l))
}

func (l *DBLastSeen) UnmarshalBinary(data []byte) error {
	type alias DBLastSeen
	return msgpack.Unmarshal(data, (*alias)(l))
}

// DBRoomName caches an enriched room display name (direct rooms resolve to
// the other participant's name).
type DBRoomName struct {
	RoomID string `msgpack:"roomId"`
	Name   string `msgpack:"name"`
}

func (r *DBRoomName) Key() []byte {
	return []byte(r.RoomID)
}

func (r *DBRoomName) MarshalBinary() (data []byte, err error) {
	type alias DBRoomName
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoomName) UnmarshalBinary(data []byte) error {
	type alias DBRoomName
	return msgpack.Unmarshal(data, (*alias)(r))
}
