package provision

import "errors"

// Configuration errors
var (
	ErrUnknownDriver = errors.New("provision: unknown driver")
	ErrInvalidTarget = errors.New("provision: target needs a name, resources and an image")
	ErrInvalidRecipe = errors.New("provision: recipe must be a YAML list of plays")
)

// Runtime errors
var (
	ErrDomainNotFound = errors.New("provision: domain not found")
	ErrAlreadyRunning = errors.New("provision: domain is already running")
	ErrNotRunning     = errors.New("provision: domain is not running")
	ErrPortInUse      = errors.New("provision: forwarded port in use")
)
