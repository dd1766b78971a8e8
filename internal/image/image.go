// Package image is the catalog of OS images VMs can be provisioned from.
package image

import "fmt"

// ID identifies an OS image, e.g. "ubuntu-22.04".
type ID string

// Format is the on-disk format of a base image.
type Format string

const (
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

// Image describes a bootable cloud image.
type Image struct {
	ID      ID
	Name    string
	Version string
	// BaseURL is where the provisioning driver fetches the base image.
	BaseURL string
	Format  Format
	// DefaultUser is the login created by cloud-init on first boot. It is
	// reported in SSH access descriptors.
	DefaultUser string
}

// String returns "Name Version".
func (i *Image) String() string {
	return fmt.Sprintf("%s %s", i.Name, i.Version)
}
