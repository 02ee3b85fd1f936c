// Package protocol implements the pixel streaming message catalog and the
// binary and descriptor wire codecs used on the data channel.
//
// A Catalog is owned by a single goroutine (the player event loop) and is not
// safe for concurrent use.
package protocol

import (
	"fmt"

	"github.com/pion/logging"
)

type table struct {
	ids  *bimap
	defs map[string]MessageDefinition
}

func newTable() *table {
	return &table{ids: newBimap(), defs: make(map[string]MessageDefinition)}
}

// Catalog holds the known message kinds for both directions.
type Catalog struct {
	tables [2]*table
	log    logging.LeveledLogger
}

// NewCatalog returns an empty catalog.
func NewCatalog(loggerFactory logging.LoggerFactory) *Catalog {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Catalog{
		tables: [2]*table{newTable(), newTable()},
		log:    loggerFactory.NewLogger("protocol"),
	}
}

// NewDefaultCatalog returns a catalog populated with the built-in messages.
func NewDefaultCatalog(loggerFactory logging.LoggerFactory) *Catalog {
	c := NewCatalog(loggerFactory)
	c.PopulateDefaults()
	return c
}

// PopulateDefaults installs the built-in message set.
func (c *Catalog) PopulateDefaults() {
	for name, def := range DefaultToStreamer() {
		if err := c.Register(ToStreamer, name, def); err != nil {
			c.log.Errorf("Failed to register built-in %s->%s: %v", ToStreamer, name, err)
		}
	}
	for name, id := range DefaultFromStreamer() {
		if err := c.Register(FromStreamer, name, MessageDefinition{ID: id}); err != nil {
			c.log.Errorf("Failed to register built-in %s->%s: %v", FromStreamer, name, err)
		}
	}
}

func (c *Catalog) table(dir Direction) (*table, error) {
	if !dir.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirection, int(dir))
	}
	return c.tables[dir], nil
}

// Register adds or replaces the definition for name. Outbound definitions
// must satisfy the field size invariant; inbound definitions only need an id.
func (c *Catalog) Register(dir Direction, name string, def MessageDefinition) error {
	t, err := c.table(dir)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if dir == ToStreamer {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("%s->%s: %w", dir, name, err)
		}
	} else {
		def = MessageDefinition{ID: def.ID}
	}
	if err := t.ids.add(name, def.ID); err != nil {
		owner, _ := t.ids.name(def.ID)
		return fmt.Errorf("%s->%s: id %d held by %s: %w", dir, name, def.ID, owner, err)
	}
	t.defs[name] = def
	return nil
}

// ApplyNegotiatedUpdate registers a definition received from the streamer,
// replacing any existing entry of the same name.
func (c *Catalog) ApplyNegotiatedUpdate(dir Direction, name string, def MessageDefinition) error {
	if prev, ok := c.LookupByName(dir, name); ok && prev.ID != def.ID {
		c.log.Infof("%s->%s moved from id %d to %d", dir, name, prev.ID, def.ID)
	}
	return c.Register(dir, name, def)
}

// LookupByName returns the definition registered for name.
func (c *Catalog) LookupByName(dir Direction, name string) (MessageDefinition, bool) {
	t, err := c.table(dir)
	if err != nil {
		return MessageDefinition{}, false
	}
	def, ok := t.defs[name]
	return def, ok
}

// LookupByID returns the name registered for id.
func (c *Catalog) LookupByID(dir Direction, id byte) (string, bool) {
	t, err := c.table(dir)
	if err != nil {
		return "", false
	}
	return t.ids.name(id)
}

// Names returns the registered names for dir in sorted order.
func (c *Catalog) Names(dir Direction) []string {
	t, err := c.table(dir)
	if err != nil {
		return nil
	}
	return t.ids.names()
}
