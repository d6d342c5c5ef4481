package constraint

import (
	"sync"
	"sync/atomic"

	"zrbackup/internal/notify"
)

// StickerDownloads counts sticker download jobs that are queued or running.
type StickerDownloads struct {
	n       atomic.Int64
	changes notify.Broadcaster
}

func NewStickerDownloads() *StickerDownloads {
	return &StickerDownloads{}
}

// Start records a new download and returns the func that finishes it.
// Calling the returned func more than once has no further effect.
func (s *StickerDownloads) Start() func() {
	s.n.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			if s.n.Add(-1) == 0 {
				s.changes.Publish()
			}
		})
	}
}

// InFlight returns the number of unfinished downloads.
func (s *StickerDownloads) InFlight() int64 {
	return s.n.Load()
}
