package presence

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/unifi"
)

// ReferenceCache holds the access point directory (MAC to name) and the
// user group directory (ID to name). Each update builds a new immutable
// snapshot and swaps it in, so readers see either the old or the new
// directory in full.
type ReferenceCache struct {
	logger zerolog.Logger
	snap   atomic.Pointer[refSnapshot]
}

type refSnapshot struct {
	accessPoints map[MAC]string
	groups       map[string]string
}

// NewReferenceCache returns an empty cache.
func NewReferenceCache(logger zerolog.Logger) *ReferenceCache {
	c := &ReferenceCache{logger: logger}
	c.snap.Store(&refSnapshot{
		accessPoints: map[MAC]string{},
		groups:       map[string]string{},
	})
	return c
}

// UpdateAccessPoints merges adopted access points from records into the
// directory. Access points missing from records are kept; the directory
// never shrinks. It returns the MACs seen for the first time.
func (c *ReferenceCache) UpdateAccessPoints(records []unifi.DeviceRecord) []MAC {
	old := c.snap.Load()
	aps := make(map[MAC]string, len(old.accessPoints)+len(records))
	for mac, name := range old.accessPoints {
		aps[mac] = name
	}

	var added []MAC
	for _, rec := range records {
		if !rec.IsAccessPoint() {
			continue
		}
		mac, err := ParseMAC(rec.MAC)
		if err != nil {
			c.logger.Warn().Err(err).Str("name", rec.Name).Msg("ignoring access point with invalid MAC")
			continue
		}
		if _, ok := aps[mac]; !ok {
			added = append(added, mac)
		}
		aps[mac] = rec.Name
	}

	c.snap.Store(&refSnapshot{accessPoints: aps, groups: old.groups})
	return added
}

// UpdateUserGroups replaces the user group directory.
func (c *ReferenceCache) UpdateUserGroups(records []unifi.UserGroupRecord) {
	old := c.snap.Load()
	groups := make(map[string]string, len(records))
	for _, rec := range records {
		groups[rec.ID] = rec.Name
	}
	c.snap.Store(&refSnapshot{accessPoints: old.accessPoints, groups: groups})
}

// AccessPointName returns the name of the access point, or false when the
// MAC is not a known access point.
func (c *ReferenceCache) AccessPointName(mac MAC) (string, bool) {
	name, ok := c.snap.Load().accessPoints[mac]
	return name, ok
}

// GroupName returns the name of the user group, falling back to the id.
func (c *ReferenceCache) GroupName(id string) string {
	if name, ok := c.snap.Load().groups[id]; ok {
		return name
	}
	return id
}

// AccessPoints returns a copy of the access point directory.
func (c *ReferenceCache) AccessPoints() map[MAC]string {
	src := c.snap.Load().accessPoints
	aps := make(map[MAC]string, len(src))
	for mac, name := range src {
		aps[mac] = name
	}
	return aps
}
