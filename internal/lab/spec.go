package lab

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resource bounds accepted for a VM spec.
const (
	MinVCPU   = 1
	MaxVCPU   = 16
	MinRAMMB  = 512
	MaxRAMMB  = 32768
	MinDiskGB = 10
	MaxDiskGB = 500
)

// VMSpec describes one VM of a lab creation request.
type VMSpec struct {
	Name   string `json:"name" yaml:"name"`
	VCPU   int    `json:"vcpu" yaml:"vcpu"`
	RAMMB  int    `json:"ram_mb" yaml:"ram_mb"`
	DiskGB int    `json:"disk_gb" yaml:"disk_gb"`
	Image  string `json:"os_image" yaml:"os_image"`
}

// Spec is a lab creation request.
type Spec struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	VMs         []VMSpec `json:"vms" yaml:"vms"`
	// Config is the declarative deployment recipe handed to the
	// provisioning driver. When set it must be a YAML list of plays.
	Config string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Play is one entry of a lab's deployment recipe. Only the fields the
// control plane reports on are decoded; the rest is passed through to the
// provisioning driver untouched.
type Play struct {
	Name  string `yaml:"name"`
	Hosts string `yaml:"hosts"`
}

// ParseRecipe decodes a deployment recipe. An empty recipe yields no plays.
func ParseRecipe(config string) ([]Play, error) {
	if strings.TrimSpace(config) == "" {
		return nil, nil
	}
	var plays []Play
	if err := yaml.Unmarshal([]byte(config), &plays); err != nil {
		return nil, &SpecError{Field: "config", Message: fmt.Sprintf("must be a YAML list of plays: %v", err)}
	}
	return plays, nil
}

// ParseSpec decodes a YAML lab spec file.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &SpecError{Field: "spec", Message: err.Error()}
	}
	return &spec, nil
}

// Validate checks the spec. knownImage reports whether an OS image id is
// available; a nil func accepts any non-empty image.
func (s *Spec) Validate(knownImage func(string) bool) error {
	if strings.TrimSpace(s.Name) == "" {
		return &SpecError{Field: "name", Message: "is required"}
	}
	if len(s.VMs) == 0 {
		return &SpecError{Field: "vms", Message: "at least one VM is required"}
	}

	seen := make(map[string]bool, len(s.VMs))
	for i, vm := range s.VMs {
		field := fmt.Sprintf("vms[%d]", i)
		if strings.TrimSpace(vm.Name) == "" {
			return &SpecError{Field: field + ".name", Message: "is required"}
		}
		if seen[vm.Name] {
			return &SpecError{Field: field + ".name", Message: fmt.Sprintf("duplicate VM name %q", vm.Name)}
		}
		seen[vm.Name] = true

		if err := checkRange(field+".vcpu", vm.VCPU, MinVCPU, MaxVCPU); err != nil {
			return err
		}
		if err := checkRange(field+".ram_mb", vm.RAMMB, MinRAMMB, MaxRAMMB); err != nil {
			return err
		}
		if err := checkRange(field+".disk_gb", vm.DiskGB, MinDiskGB, MaxDiskGB); err != nil {
			return err
		}

		if vm.Image == "" {
			return &SpecError{Field: field + ".os_image", Message: "is required"}
		}
		if knownImage != nil && !knownImage(vm.Image) {
			return &SpecError{Field: field + ".os_image", Message: fmt.Sprintf("unknown image %q", vm.Image)}
		}
	}

	if _, err := ParseRecipe(s.Config); err != nil {
		return err
	}
	return nil
}

func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &SpecError{Field: field, Message: fmt.Sprintf("must be between %d and %d, got %d", lo, hi, v)}
	}
	return nil
}
