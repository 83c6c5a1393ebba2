package repositories

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-hub/domain"
	"chat-hub/errors"
)

func TestRoomRepository_Public_Singleton(t *testing.T) {
	req := require.New(t)
	repo := NewRoomRepository(newTestDB(t), testLogger())

	// When resolving the public room twice
	first, err := repo.GetOrCreatePublic()
	req.NoError(err)
	second, err := repo.GetOrCreatePublic()
	req.NoError(err)

	// Then both calls observe the same room
	req.Equal(first.ID, second.ID)
	req.Equal(domain.RoomPublic, first.Kind)
	req.Empty(first.Members)
}

func TestRoomRepository_Private_Pair_Is_Symmetric(t *testing.T) {
	req := require.New(t)
	repo := NewRoomRepository(newTestDB(t), testLogger())
	alice := domain.RoomMember{UserID: "u1", Username: "alice", DisplayName: "Alice"}
	bob := domain.RoomMember{UserID: "u2", Username: "bob", DisplayName: "Bob"}

	// When each member initiates the conversation
	fromAlice, err := repo.GetOrCreatePrivate(alice, bob)
	req.NoError(err)
	fromBob, err := repo.GetOrCreatePrivate(bob, alice)
	req.NoError(err)

	// Then the unordered pair maps to one room
	req.Equal(fromAlice.ID, fromBob.ID)
	req.Equal(domain.RoomPrivate, fromAlice.Kind)
	req.Len(fromAlice.Members, 2)
	req.Equal("u1", fromAlice.Members[0].UserID)
	req.Equal("u2", fromAlice.Members[1].UserID)
}

func TestRoomRepository_Concurrent_Creation_Yields_One_Room(t *testing.T) {
	req := require.New(t)
	repo := NewRoomRepository(newTestDB(t), testLogger())
	alice := domain.RoomMember{UserID: "u1", Username: "alice"}
	bob := domain.RoomMember{UserID: "u2", Username: "bob"}

	// When many goroutines race the first creation
	const racers = 16
	ids := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := repo.GetOrCreatePrivate(alice, bob)
			require.NoError(t, err)
			ids[i] = room.ID
		}(i)
	}
	wg.Wait()

	// Then every racer got the same room
	for _, id := range ids {
		req.Equal(ids[0], id)
	}
}

func TestRoomRepository_Get_Unknown_Room(t *testing.T) {
	req := require.New(t)
	repo := NewRoomRepository(newTestDB(t), testLogger())

	_, err := repo.Get("no-such-room")
	req.ErrorIs(err, errors.ErrRoomNotFound)
}

func TestRoomRepository_ListPrivate_Only_Own_Rooms(t *testing.T) {
	req := require.New(t)
	repo := NewRoomRepository(newTestDB(t), testLogger())
	alice := domain.RoomMember{UserID: "u1", Username: "alice"}
	bob := domain.RoomMember{UserID: "u2", Username: "bob"}
	clara := domain.RoomMember{UserID: "u3", Username: "clara"}

	aliceBob, err := repo.GetOrCreatePrivate(alice, bob)
	req.NoError(err)
	_, err = repo.GetOrCreatePrivate(bob, clara)
	req.NoError(err)

	// Alice sees only her conversation with Bob
	rooms, err := repo.ListPrivate("u1")
	req.NoError(err)
	req.Len(rooms, 1)
	req.Equal(aliceBob.ID, rooms[0].ID)

	// Bob is in both
	rooms, err = repo.ListPrivate("u2")
	req.NoError(err)
	req.Len(rooms, 2)

	// A stranger sees nothing
	rooms, err = repo.ListPrivate("u4")
	req.NoError(err)
	req.Empty(rooms)
}
