package relay

import (
	"strconv"
	"strings"
	"sync"
)

const tokenSeparator = ":"

// tokenSource mints "<device>:<millis>" tokens. The suffix is strictly increasing across all
// devices even when the clock stalls or steps back.
type tokenSource struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

func newTokenSource(clock Clock) *tokenSource {
	return &tokenSource{clock: clock}
}

func (s *tokenSource) next(device DeviceID) (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	suffix := s.clock.Now().UnixMilli()
	if suffix <= s.last {
		suffix = s.last + 1
	}
	s.last = suffix

	return string(device) + tokenSeparator + strconv.FormatInt(suffix, 10), uint64(suffix)
}

// observe bumps the counter past a token restored from storage.
func (s *tokenSource) observe(token string) {
	_, suffix, ok := strings.Cut(token, tokenSeparator)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	if n > s.last {
		s.last = n
	}
	s.mu.Unlock()
}

// DeviceFromToken extracts the device prefix of a token. It does not check the device is configured.
func DeviceFromToken(token string) (DeviceID, bool) {
	prefix, _, ok := strings.Cut(token, tokenSeparator)
	if !ok || prefix == "" {
		return "", false
	}
	return DeviceID(prefix), true
}
