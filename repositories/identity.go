package repositories

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"chat-hub/domain"
	"chat-hub/errors"
)

type IIdentityRepository interface {
	GetByUsername(username string) (domain.Identity, error)
	GetByID(id string) (domain.Identity, error)
	List(excludeID string) ([]domain.Identity, error)
	Seed(identity domain.Identity) error
}

// IdentityRepository reads the identity collection. The external identity
// provider owns the records; the hub only resolves usernames for private
// room creation and the roster endpoint. Seed exists for tools and tests.
type IdentityRepository struct {
	db *badger.DB
}

func NewIdentityRepository(db *badger.DB) IdentityRepository {
	return IdentityRepository{db: db}
}

func identityKey(username string) []byte {
	return []byte("user:" + strings.ToLower(strings.TrimSpace(username)))
}

func (r IdentityRepository) GetByUsername(username string) (domain.Identity, error) {
	var identity domain.Identity
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &identity)
		})
	})
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Identity{}, fmt.Errorf("%w: %s", errors.ErrIdentityNotFound, username)
	}
	if err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

func (r IdentityRepository) GetByID(id string) (domain.Identity, error) {
	identities, err := r.List("")
	if err != nil {
		return domain.Identity{}, err
	}
	for _, identity := range identities {
		if identity.ID == id {
			return identity, nil
		}
	}
	return domain.Identity{}, fmt.Errorf("%w: %s", errors.ErrIdentityNotFound, id)
}

// List returns every known identity except excludeID, in key order.
func (r IdentityRepository) List(excludeID string) ([]domain.Identity, error) {
	var identities []domain.Identity
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("user:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var identity domain.Identity
				if err := json.Unmarshal(val, &identity); err != nil {
					return err
				}
				if identity.ID != excludeID {
					identities = append(identities, identity)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return identities, err
}

func (r IdentityRepository) Seed(identity domain.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey(identity.Username), data)
	})
}
