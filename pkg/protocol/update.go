package protocol

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Update is a parsed Protocol message: one direction and its entries.
type Update struct {
	Direction Direction
	Entries   map[string]json.RawMessage
}

// UpdateResult reports what an applied Update did. Rejected collects every
// per-entry failure; it is nil when all entries were admitted or skipped.
type UpdateResult struct {
	Direction Direction
	Admitted  []string
	Skipped   []string
	Rejected  *multierror.Error
}

type updateEntry struct {
	ID         *int         `json:"id"`
	ByteLength *int         `json:"byteLength"`
	Structure  *[]FieldType `json:"structure"`
}

// ParseUpdate parses the JSON body of a Protocol message. A missing or
// unknown Direction invalidates the whole update.
func ParseUpdate(body []byte) (Update, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	dirRaw, ok := raw["Direction"]
	if !ok {
		return Update{}, fmt.Errorf("%w: update has no Direction", ErrProtocolViolation)
	}
	var dir int
	if err := json.Unmarshal(dirRaw, &dir); err != nil {
		return Update{}, fmt.Errorf("%w: bad Direction: %v", ErrProtocolViolation, err)
	}
	if !Direction(dir).valid() {
		return Update{}, fmt.Errorf("%w: %w: %d", ErrProtocolViolation, ErrUnknownDirection, dir)
	}
	delete(raw, "Direction")

	return Update{Direction: Direction(dir), Entries: raw}, nil
}

// ApplyUpdate admits each entry of u that is well formed and has a handler.
// Ids are resolved against the whole update before anything is bound, so
// entries may trade ids with each other regardless of name order. An entry
// is refused only when its id stays held by a name the update does not move,
// or when an earlier entry (in name order) claims the same id.
func (c *Catalog) ApplyUpdate(u Update, hasHandler func(Direction, string) bool) UpdateResult {
	result := UpdateResult{Direction: u.Direction}
	reject := func(err error) {
		c.log.Errorf("Rejected protocol entry: %v", err)
		result.Rejected = multierror.Append(result.Rejected, err)
	}

	t, err := c.table(u.Direction)
	if err != nil {
		reject(err)
		return result
	}

	names := make([]string, 0, len(u.Entries))
	for name := range u.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	c.log.Infof("Received new %s protocol with %d entries", u.Direction, len(names))

	defs := make(map[string]MessageDefinition, len(names))
	for _, name := range names {
		if u.Direction == ToStreamer && name == GamepadAnalog {
			// The streamer advertises the wrong byteLength for this one.
			result.Skipped = append(result.Skipped, name)
			continue
		}

		def, err := parseEntry(u.Direction, name, u.Entries[name])
		if err == nil && hasHandler != nil && !hasHandler(u.Direction, name) {
			err = fmt.Errorf("%s->%s: %w", u.Direction, name, ErrNoHandler)
		}
		if err == nil && u.Direction == ToStreamer {
			if verr := def.Validate(); verr != nil {
				err = fmt.Errorf("%s->%s: %w", u.Direction, name, verr)
			}
		}
		if err != nil {
			reject(err)
			continue
		}
		defs[name] = def
	}

	// Drop entries whose id cannot be freed until nothing changes. A dropped
	// entry keeps its current id, which may in turn block another entry.
	for changed := true; changed; {
		changed = false
		claimed := make(map[byte]string)
		for name, def := range defs {
			if cur, ok := t.ids.id(name); ok && cur == def.ID {
				claimed[def.ID] = name
			}
		}
		for _, name := range names {
			def, ok := defs[name]
			if !ok || claimed[def.ID] == name {
				continue
			}
			holder, held := claimed[def.ID]
			if !held {
				if owner, ok := t.ids.name(def.ID); ok && owner != name {
					if _, moving := defs[owner]; !moving {
						holder, held = owner, true
					}
				}
			}
			if held {
				reject(fmt.Errorf("%s->%s: id %d held by %s: %w", u.Direction, name, def.ID, holder, ErrIDInUse))
				delete(defs, name)
				changed = true
				break
			}
			claimed[def.ID] = name
		}
	}

	for _, name := range names {
		if _, ok := defs[name]; ok {
			t.ids.release(name)
		}
	}
	for _, name := range names {
		def, ok := defs[name]
		if !ok {
			continue
		}
		if err := c.ApplyNegotiatedUpdate(u.Direction, name, def); err != nil {
			reject(err)
			continue
		}
		result.Admitted = append(result.Admitted, name)
	}
	return result
}

func parseEntry(dir Direction, name string, raw json.RawMessage) (MessageDefinition, error) {
	var e updateEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return MessageDefinition{}, fmt.Errorf("%s->%s: %w: %v", dir, name, ErrInvalidDefinition, err)
	}
	if e.ID == nil {
		return MessageDefinition{}, fmt.Errorf("%s->%s: %w: missing id", dir, name, ErrInvalidDefinition)
	}
	if *e.ID < 0 || *e.ID > 255 {
		return MessageDefinition{}, fmt.Errorf("%s->%s: %w: id %d out of range", dir, name, ErrInvalidDefinition, *e.ID)
	}
	def := MessageDefinition{ID: byte(*e.ID)}
	if dir == FromStreamer {
		return def, nil
	}

	if e.ByteLength == nil {
		return MessageDefinition{}, fmt.Errorf("%s->%s: %w: missing byteLength", dir, name, ErrInvalidDefinition)
	}
	def.ByteLength = *e.ByteLength
	if def.ByteLength > 0 && e.Structure == nil {
		return MessageDefinition{}, fmt.Errorf("%s->%s: %w: byteLength without structure", dir, name, ErrInvalidDefinition)
	}
	if e.Structure != nil {
		def.Structure = *e.Structure
	}
	return def, nil
}
