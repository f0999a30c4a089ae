package transport

import (
	"time"

	"github.com/cornelk/hashmap"

	"github.com/Waldmensch1/BatteryGuard/internal/config"
)

// SeenCache tracks when each Battery Guard peripheral was last heard
// advertising. The scan goroutine writes, the status view reads; the
// concurrent map avoids a lock on the hot advertisement path.
type SeenCache struct {
	m *hashmap.Map[string, int64]
}

func NewSeenCache() *SeenCache {
	return &SeenCache{m: hashmap.New[string, int64]()}
}

// Mark records an advertisement. The address is normalized so lookups by
// configured address always hit.
func (s *SeenCache) Mark(address string, at time.Time) {
	s.m.Set(config.NormalizeAddress(address), at.UnixNano())
}

// LastSeen returns when the address was last heard, if ever.
func (s *SeenCache) LastSeen(address string) (time.Time, bool) {
	ns, ok := s.m.Get(config.NormalizeAddress(address))
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
