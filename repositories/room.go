package repositories

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"chat-hub/domain"
	"chat-hub/errors"
)

// maxCommitRetries bounds the retry loop on badger write conflicts when
// two callers race the first creation of the same room.
const maxCommitRetries = 5

type IRoomRepository interface {
	GetOrCreatePublic() (domain.Room, error)
	GetOrCreatePrivate(a, b domain.RoomMember) (domain.Room, error)
	Get(id string) (domain.Room, error)
	ListPrivate(userID string) ([]domain.Room, error)
}

// RoomRepository resolves the public singleton and private pairwise rooms.
//
// Key layout:
//   - "room:id:{roomID}"        -> room record (JSON)
//   - "room:public"             -> roomID of the singleton
//   - "room:pair:{a}:{b}"       -> roomID, pair normalized ascending
//   - "room:member:{uid}:{rid}" -> roomID, per-member listing index
type RoomRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewRoomRepository(db *badger.DB, log *slog.Logger) RoomRepository {
	return RoomRepository{db: db, log: log}
}

func roomKey(id string) []byte { return []byte("room:id:" + id) }

// GetOrCreatePublic is idempotent: the first caller wins the creation
// race and later callers observe the created row. Badger aborts the
// losing transaction with ErrConflict, which we retry as a plain get.
func (r RoomRepository) GetOrCreatePublic() (domain.Room, error) {
	return r.getOrCreate([]byte("room:public"), func() domain.Room {
		return domain.Room{
			ID:        uuid.NewString(),
			Kind:      domain.RoomPublic,
			Name:      "Public Room",
			CreatedAt: time.Now().UTC(),
		}
	}, nil)
}

// GetOrCreatePrivate normalizes the unordered member pair before lookup
// so (A,B) and (B,A) resolve to the same room.
func (r RoomRepository) GetOrCreatePrivate(a, b domain.RoomMember) (domain.Room, error) {
	pairKey := []byte("room:pair:" + domain.PairKey(a.UserID, b.UserID))
	members := []domain.RoomMember{a, b}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	create := func() domain.Room {
		return domain.Room{
			ID:        uuid.NewString(),
			Kind:      domain.RoomPrivate,
			Name:      fmt.Sprintf("DM: %s & %s", displayOf(a), displayOf(b)),
			Members:   members,
			CreatedAt: time.Now().UTC(),
		}
	}
	extraIndexes := func(room domain.Room) map[string]string {
		indexes := make(map[string]string, len(room.Members))
		for _, m := range room.Members {
			indexes["room:member:"+m.UserID+":"+room.ID] = room.ID
		}
		return indexes
	}
	return r.getOrCreate(pairKey, create, extraIndexes)
}

func displayOf(m domain.RoomMember) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Username
}

func (r RoomRepository) getOrCreate(pointerKey []byte, create func() domain.Room,
	extraIndexes func(domain.Room) map[string]string) (domain.Room, error) {
	for attempt := 0; ; attempt++ {
		var room domain.Room
		err := r.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(pointerKey)
			if err == nil {
				var roomID string
				if err = item.Value(func(val []byte) error {
					roomID = string(val)
					return nil
				}); err != nil {
					return err
				}
				room, err = getRoomTxn(txn, roomID)
				return err
			}
			if !goerrors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			room = create()
			data, err := json.Marshal(room)
			if err != nil {
				return err
			}
			if err = txn.Set(roomKey(room.ID), data); err != nil {
				return err
			}
			if err = txn.Set(pointerKey, []byte(room.ID)); err != nil {
				return err
			}
			if extraIndexes != nil {
				for key, val := range extraIndexes(room) {
					if err = txn.Set([]byte(key), []byte(val)); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err == nil {
			return room, nil
		}
		if goerrors.Is(err, badger.ErrConflict) && attempt < maxCommitRetries {
			r.log.Debug("Room creation raced, retrying lookup", "attempt", attempt+1)
			continue
		}
		return domain.Room{}, err
	}
}

func (r RoomRepository) Get(id string) (domain.Room, error) {
	var room domain.Room
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		room, err = getRoomTxn(txn, id)
		return err
	})
	if err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func getRoomTxn(txn *badger.Txn, id string) (domain.Room, error) {
	item, err := txn.Get(roomKey(id))
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Room{}, fmt.Errorf("%w: %s", errors.ErrRoomNotFound, id)
	}
	if err != nil {
		return domain.Room{}, err
	}
	var room domain.Room
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &room)
	})
	return room, err
}

// ListPrivate returns the caller's private rooms, newest first.
func (r RoomRepository) ListPrivate(userID string) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("room:member:" + userID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var roomID string
			if err := it.Item().Value(func(val []byte) error {
				roomID = string(val)
				return nil
			}); err != nil {
				return err
			}
			room, err := getRoomTxn(txn, roomID)
			if err != nil {
				return err
			}
			rooms = append(rooms, room)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	return rooms, nil
}
