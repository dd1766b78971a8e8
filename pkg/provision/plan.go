package provision

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Forward maps a host port to a guest port.
type Forward struct {
	Host  int
	Guest int
}

// Target is one VM as seen by a driver.
type Target struct {
	LabName  string
	Name     string
	Image    string
	User     string // login user of the image, used by the configure stage
	VCPU     int
	RAMMB    int
	DiskGB   int
	Forwards []Forward
}

// Domain returns the hypervisor domain name of the target.
func (t Target) Domain() string {
	r := strings.NewReplacer(" ", "_", "-", "_")
	return r.Replace(t.LabName + "_" + t.Name)
}

// HostPort returns the host port forwarded to guest, or 0.
func (t Target) HostPort(guest int) int {
	for _, f := range t.Forwards {
		if f.Guest == guest {
			return f.Host
		}
	}
	return 0
}

func (t Target) validate() error {
	if t.Name == "" || t.Image == "" || t.VCPU < 1 || t.RAMMB < 1 || t.DiskGB < 1 {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, t.Name)
	}
	return nil
}

// Plan is the full deployment of one lab.
type Plan struct {
	LabID   string
	LabName string
	Recipe  string // YAML list of plays, may be empty
	VMs     []Target
}

// Validate checks every target and the recipe.
func (p *Plan) Validate() error {
	for _, t := range p.VMs {
		if err := t.validate(); err != nil {
			return err
		}
	}
	_, err := p.Plays()
	return err
}

// Play is the part of a recipe entry drivers report on.
type Play struct {
	Name  string `yaml:"name"`
	Hosts string `yaml:"hosts"`
}

// Plays decodes the plan's recipe. An empty recipe has no plays.
func (p *Plan) Plays() ([]Play, error) {
	if strings.TrimSpace(p.Recipe) == "" {
		return nil, nil
	}
	var plays []Play
	if err := yaml.Unmarshal([]byte(p.Recipe), &plays); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}
	return plays, nil
}
