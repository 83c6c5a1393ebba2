// Command inspector renders a read-only view of the hub's badger store:
// rooms, message counts, and known identities. It opens the database in
// read-only mode so it can run next to a live hub.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"chat-hub/domain"
	"chat-hub/internal"
	"chat-hub/repositories"
)

func main() {
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// BypassLockGuard allows opening while the hub holds the lock.
	opts := badger.DefaultOptions(config.BadgerFilepath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	logger := internal.GetLoggerFromString(config.LogLevel)
	identityRepo := repositories.NewIdentityRepository(db)
	roomRepo := repositories.NewRoomRepository(db, logger)
	messageRepo := repositories.NewMessageRepository(db, logger)

	color.Green.Println("== Identities ==")
	identities, err := identityRepo.List("")
	if err != nil {
		log.Fatalf("Listing identities failed: %v", err)
	}
	identityTable := tablewriter.NewWriter(os.Stdout)
	identityTable.SetHeader([]string{"ID", "Username", "Display name"})
	identityTable.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	identityTable.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, identity := range identities {
		identityTable.Append([]string{shortID(identity.ID), identity.Username, identity.DisplayName})
	}
	identityTable.Render()

	color.Green.Println("\n== Rooms ==")
	roomTable := tablewriter.NewWriter(os.Stdout)
	roomTable.SetHeader([]string{"ID", "Kind", "Name", "Members", "Created", "Messages"})
	roomTable.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	roomTable.SetAlignment(tablewriter.ALIGN_LEFT)

	appendRoom := func(room domain.Room) {
		msgs, err := messageRepo.List(room.ID, room.Kind, nil, repositories.MaxPageSize)
		if err != nil {
			log.Fatalf("Listing messages failed: %v", err)
		}
		members := make([]string, 0, len(room.Members))
		for _, m := range room.Members {
			members = append(members, m.Username)
		}
		roomTable.Append([]string{
			shortID(room.ID),
			string(room.Kind),
			room.Name,
			strings.Join(members, ", "),
			room.CreatedAt.Format(time.DateTime),
			fmt.Sprintf("%d", len(msgs)),
		})
	}

	if public, err := roomRepo.GetOrCreatePublic(); err == nil {
		appendRoom(public)
	}
	for _, identity := range identities {
		rooms, err := roomRepo.ListPrivate(identity.ID)
		if err != nil {
			continue
		}
		for _, room := range rooms {
			// Each private room is indexed once per member; only render
			// it for its lexicographically first member.
			if len(room.Members) > 0 && room.Members[0].UserID == identity.ID {
				appendRoom(room)
			}
		}
	}
	roomTable.Render()

	color.Gray.Println("\nPrivate message bodies are encrypted at rest and not shown here.")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
