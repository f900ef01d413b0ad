package spaceallocator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go_service_manager/logger"
	"go_service_manager/model"
)

// ItemRemover removes an evictable item from disk on behalf of the
// allocator. Supplied by the pool owner.
type ItemRemover interface {
	RemoveItem(id string) error
}

type outdatedItem struct {
	id        string
	size      uint64
	timestamp time.Time
}

// Reservation is an in-flight space allocation. It must be finalised with
// AcceptAllocation or rolled back with RestoreAllocation.
type Reservation struct {
	ID   string
	Size uint64

	accepted bool
	released bool
}

// Allocator accounts disk usage of one on-disk pool. All operations are
// serialised by the pool mutex.
type Allocator struct {
	sync.Mutex

	path     string
	remover  ItemRemover
	capacity uint64
	reserved uint64
	items    map[string]uint64
	outdated []outdatedItem
}

// New creates an allocator for the pool rooted at path. partLimit is the
// maximal percentage of the filesystem the pool may occupy; 0 means the
// whole filesystem.
func New(path string, partLimit uint, remover ItemRemover) (*Allocator, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("error getting fs info for %s: %w", path, err)
	}

	capacity := stat.Blocks * uint64(stat.Bsize)
	if partLimit != 0 {
		capacity = capacity * uint64(partLimit) / 100
	}

	return &Allocator{
		path:     path,
		remover:  remover,
		capacity: capacity,
		items:    make(map[string]uint64),
	}, nil
}

// Capacity returns the byte budget of the pool.
func (a *Allocator) Capacity() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.capacity
}

// AllocateSpace reserves size bytes for the item id, evicting outdated
// items if needed. Fails with a NoSpace error when eviction cannot satisfy
// the request.
func (a *Allocator) AllocateSpace(id string, size uint64) (*Reservation, error) {
	a.Lock()
	defer a.Unlock()

	for a.reserved+size > a.capacity {
		if err := a.evictOldest(); err != nil {
			return nil, err
		}
	}

	a.reserved += size

	return &Reservation{ID: id, Size: size}, nil
}

// AcceptAllocation finalises a reservation: the bytes remain accounted as
// an installed item.
func (a *Allocator) AcceptAllocation(reservation *Reservation) error {
	a.Lock()
	defer a.Unlock()

	if reservation.accepted || reservation.released {
		return model.NewError(model.ErrInvalidArgument, "allocation already finalised")
	}

	reservation.accepted = true
	a.items[reservation.ID] += reservation.Size

	return nil
}

// RestoreAllocation rolls back a reservation and frees its bytes.
func (a *Allocator) RestoreAllocation(reservation *Reservation) error {
	a.Lock()
	defer a.Unlock()

	if reservation.accepted || reservation.released {
		return model.NewError(model.ErrInvalidArgument, "allocation already finalised")
	}

	reservation.released = true
	a.reserved -= reservation.Size

	return nil
}

// AddItem registers an already installed item so its size counts against
// the pool. Used on restart to restore accounting from the database.
func (a *Allocator) AddItem(id string, size uint64) {
	a.Lock()
	defer a.Unlock()

	a.reserved += size
	a.items[id] = size
}

// AddOutdatedItem marks the item as unreferenced and evictable. Unknown
// items are registered first.
func (a *Allocator) AddOutdatedItem(id string, size uint64, timestamp time.Time) {
	a.Lock()
	defer a.Unlock()

	if _, ok := a.items[id]; !ok {
		a.reserved += size
		a.items[id] = size
	}

	for i, item := range a.outdated {
		if item.id == id {
			a.outdated[i].timestamp = timestamp
			return
		}
	}

	a.outdated = append(a.outdated, outdatedItem{id: id, size: size, timestamp: timestamp})
}

// RemoveOutdatedItem unmarks the item as evictable, keeping it accounted.
func (a *Allocator) RemoveOutdatedItem(id string) {
	a.Lock()
	defer a.Unlock()

	for i, item := range a.outdated {
		if item.id == id {
			a.outdated = append(a.outdated[:i], a.outdated[i+1:]...)
			return
		}
	}
}

// FreeSpace releases the accounted bytes of the item immediately. Used when
// the owner removes the item itself.
func (a *Allocator) FreeSpace(id string) {
	a.Lock()
	defer a.Unlock()

	a.freeItem(id)
}

func (a *Allocator) freeItem(id string) {
	size, ok := a.items[id]
	if !ok {
		return
	}

	delete(a.items, id)
	a.reserved -= size

	for i, item := range a.outdated {
		if item.id == id {
			a.outdated = append(a.outdated[:i], a.outdated[i+1:]...)
			break
		}
	}
}

// evictOldest removes the stalest outdated item through the remover.
// Called with the pool locked.
func (a *Allocator) evictOldest() error {
	if len(a.outdated) == 0 {
		return model.Errorf(model.ErrNoSpace, "not enough space in %s", a.path)
	}

	sort.Slice(a.outdated, func(i, j int) bool {
		return a.outdated[i].timestamp.Before(a.outdated[j].timestamp)
	})

	item := a.outdated[0]

	logger.InfoLogger().Printf("Evicting outdated item: id=%s, size=%d", item.id, item.size)

	if err := a.remover.RemoveItem(item.id); err != nil {
		return fmt.Errorf("error removing outdated item %s: %w", item.id, err)
	}

	a.freeItem(item.id)

	return nil
}
