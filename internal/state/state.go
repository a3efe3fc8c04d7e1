package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	messagesBucket = []byte("messages")
	tokenKey       = []byte("token")
	userKey        = []byte("user")
	directoryKey   = []byte("directory")
)

// State wraps a bbolt database for all persistent application state:
// the durable credential, the signed-in user, and the per-conversation
// message cache. The cache is advisory; callers must stay correct when
// it is empty or stale.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(home, ".chat-sync", "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(messagesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the authentication token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// ClearToken forgets the credential. Called when the server rejects it.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// User returns the signed-in user, or nil when nobody has signed in.
func (s *State) User() (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(userKey)
		if v == nil {
			return nil
		}

		u = &models.User{}

		return json.Unmarshal(v, u)
	})

	return u, err
}

// SetUser persists the signed-in user.
func (s *State) SetUser(u models.User) error {
	return s.putJSON(appBucket, userKey, u)
}

// SignOut clears the credential, the signed-in user and every cached
// conversation and message list.
func (s *State) SignOut() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)
		for _, k := range [][]byte{tokenKey, userKey, directoryKey} {
			if err := app.Delete(k); err != nil {
				return err
			}
		}

		if err := tx.DeleteBucket(messagesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(messagesBucket)

		return err
	})
}

// Directory returns the last persisted conversation list.
func (s *State) Directory() ([]models.Conversation, error) {
	var convs []models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(directoryKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &convs)
	})

	return convs, err
}

// SetDirectory persists the conversation list.
func (s *State) SetDirectory(convs []models.Conversation) error {
	return s.putJSON(appBucket, directoryKey, convs)
}

// CachedMessages returns the cached message list for a conversation,
// nil when nothing has been cached.
func (s *State) CachedMessages(conversationID string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucket).Get([]byte(conversationID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &msgs)
	})

	return msgs, err
}

// CacheMessages replaces the cached message list for a conversation.
// Optimistic entries are skipped since they are not durable.
func (s *State) CacheMessages(conversationID string, msgs []models.Message) error {
	durable := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Optimistic() {
			durable = append(durable, m)
		}
	}

	return s.putJSON(messagesBucket, []byte(conversationID), durable)
}

// DeleteMessages drops the cached list for a conversation.
func (s *State) DeleteMessages(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Delete([]byte(conversationID))
	})
}

// CachedConversationCount returns how many conversations have a cached
// message list.
func (s *State) CachedConversationCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(messagesBucket).Stats().KeyN
		return nil
	})

	return count
}

func (s *State) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}
