package image

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry     = make(map[ID]*Image)
	registryLock sync.RWMutex
	defaultID    ID = "ubuntu-22.04"
)

// Register adds an image to the catalog, replacing any image with the
// same ID.
func Register(img *Image) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[img.ID] = img
}

// Get returns an image by ID.
func Get(id ID) (*Image, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	img, ok := registry[id]
	if !ok {
		return nil, &ErrUnknownImage{ID: id}
	}
	return img, nil
}

// GetDefault returns the default image.
func GetDefault() (*Image, error) {
	return Get(defaultID)
}

// IsRegistered checks if an image ID is in the catalog.
func IsRegistered(id ID) bool {
	registryLock.RLock()
	defer registryLock.RUnlock()
	_, ok := registry[id]
	return ok
}

// Known reports whether the string is a registered image ID. It matches
// the validator signature used by lab specs.
func Known(id string) bool {
	return IsRegistered(ID(id))
}

// List returns all registered image IDs, sorted.
func List() []ID {
	registryLock.RLock()
	defer registryLock.RUnlock()

	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultUser returns the login user for an image, falling back to the
// default image's user for unknown IDs.
func DefaultUser(id string) string {
	if img, err := Get(ID(id)); err == nil {
		return img.DefaultUser
	}
	if img, err := GetDefault(); err == nil {
		return img.DefaultUser
	}
	return "root"
}

// ErrUnknownImage is returned when an image ID is not in the catalog.
type ErrUnknownImage struct {
	ID ID
}

func (e *ErrUnknownImage) Error() string {
	return fmt.Sprintf("unknown OS image %q, available: %v", e.ID, List())
}
