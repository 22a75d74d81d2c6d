// Package burrow ties the pieces together: an encrypted store, the
// messaging manager and the update stream. The transport and the sealing of
// chunk payloads live outside this module and talk to it through the
// messaging API.
package burrow

import (
	"math/rand"
	"path/filepath"
	"time"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/messaging"
	"go.uber.org/zap"
)

const databaseFilename = "burrow.db"

type Messenger struct {
	Messaging *messaging.Manager

	config *config.Config
	log    *zap.SugaredLogger
	db     *db.Database
	clock  clock.Clock
	rand   *rand.Rand
}

func NewMessenger(c *config.Config) (*Messenger, error) {
	d, err := db.NewDatabase(c, filepath.Join(c.RootDir, databaseFilename))
	if err != nil {
		return nil, err
	}
	return &Messenger{
		config: c,
		log:    c.Logger(""),
		db:     d,
		clock:  clock.NewSystemClock(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Initialized reports whether the store exists and is waiting for Open.
func (m *Messenger) Initialized() bool {
	return m.db.Initialized()
}

// Initialize creates the encrypted store with the given 32-byte key.
func (m *Messenger) Initialize(key []byte) error {
	return m.db.Initialize(key)
}

// Open unlocks the store, runs migrations and starts the messaging manager.
func (m *Messenger) Open(key []byte) error {
	if err := m.db.Open(key); err != nil {
		return err
	}
	codec, err := messaging.NewCBORCodec()
	if err != nil {
		return err
	}
	mgr, err := messaging.NewManager(m.config, m.db, m.clock, m.rand, codec)
	if err != nil {
		return err
	}
	m.Messaging = mgr
	return nil
}

func (m *Messenger) Updates() messaging.UpdateChannel {
	return m.Messaging.Updates()
}

func (m *Messenger) Shutdown() error {
	return m.db.Shutdown()
}
