package logprovider

import "time"

// JournalEntry is one system journal record.
type JournalEntry struct {
	Cursor      string
	RealTime    time.Time
	Priority    int
	Message     string
	SystemdUnit string
	CgroupPath  string
}

// Journal abstracts the system journal reader.
type Journal interface {
	AddMatch(match string) error
	AddDisjunction() error
	SeekHead() error
	SeekTail() error
	SeekRealtime(t time.Time) error
	SeekCursor(cursor string) error
	Next() (bool, error)
	Previous() (bool, error)
	GetEntry() (JournalEntry, error)
	GetCursor() (string, error)
	Wait(timeout time.Duration) bool
	Close() error
}

// JournalFactory opens a fresh journal reader.
type JournalFactory func() (Journal, error)
