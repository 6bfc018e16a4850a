package pipeline

import "github.com/LennartPaduch/abr-video-player/internal/logger"

// Blacklist tracks URLs and segment numbers that must not be fetched again.
// URL entries are permanent for the session (404s); number entries mark
// segments whose download failed close to the per-segment timeout.
type Blacklist struct {
	log     logger.Logger
	urls    map[string]struct{}
	numbers map[int64]struct{}
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist(log logger.Logger) *Blacklist {
	return &Blacklist{
		log:     log.With("blacklist"),
		urls:    make(map[string]struct{}),
		numbers: make(map[int64]struct{}),
	}
}

// AddURL permanently bans a URL.
func (b *Blacklist) AddURL(url string) {
	if _, ok := b.urls[url]; !ok {
		b.log.Infof("blacklisting URL %s", url)
		b.urls[url] = struct{}{}
	}
}

// AddNumber bans a segment number.
func (b *Blacklist) AddNumber(n int64) {
	if _, ok := b.numbers[n]; !ok {
		b.log.Infof("blacklisting segment %d", n)
		b.numbers[n] = struct{}{}
	}
}

// Banned reports whether the segment identified by url or number is banned.
func (b *Blacklist) Banned(url string, n int64) bool {
	if _, ok := b.urls[url]; ok {
		return true
	}
	_, ok := b.numbers[n]
	return ok
}

// Size returns the number of banned entries.
func (b *Blacklist) Size() int {
	return len(b.urls) + len(b.numbers)
}
