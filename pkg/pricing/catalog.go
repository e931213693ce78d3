// Package pricing owns the tier catalog snapshot used to price subscriptions.
//
// The catalog is loaded from YAML into an immutable Catalog. A Store hands out
// the current snapshot and swaps it only when Reload is called, either
// explicitly or by the file Watcher.
package pricing

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// Tier is one priced level of a service
type Tier struct {
	Name              string             `yaml:"name" json:"name"`
	MonthlyPriceCents int64              `yaml:"monthly_price_cents" json:"monthly_price_cents"`
	Limits            billing.TierLimits `yaml:"limits" json:"limits"`
}

// Service lists the tiers offered for a service type
type Service struct {
	Type        billing.ServiceType `yaml:"type" json:"type"`
	DisplayName string              `yaml:"display_name" json:"display_name"`
	Tiers       []Tier              `yaml:"tiers" json:"tiers"`
}

type catalogFile struct {
	Version  string    `yaml:"version"`
	Services []Service `yaml:"services"`
}

// Catalog is an immutable pricing snapshot
type Catalog struct {
	version  string
	services map[billing.ServiceType]*Service
	tiers    map[billing.ServiceType]map[string]Tier
}

// Parse reads and validates a YAML catalog
func Parse(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode pricing catalog: %w", err)
	}
	return NewCatalog(file.Version, file.Services)
}

// NewCatalog builds a validated catalog from service definitions
func NewCatalog(version string, services []Service) (*Catalog, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("pricing catalog has no services")
	}

	c := &Catalog{
		version:  version,
		services: make(map[billing.ServiceType]*Service, len(services)),
		tiers:    make(map[billing.ServiceType]map[string]Tier, len(services)),
	}
	for i := range services {
		svc := services[i]
		if svc.Type == "" {
			return nil, fmt.Errorf("pricing catalog service %d has no type", i)
		}
		if _, dup := c.services[svc.Type]; dup {
			return nil, fmt.Errorf("pricing catalog lists service %s twice", svc.Type)
		}
		if len(svc.Tiers) == 0 {
			return nil, fmt.Errorf("service %s has no tiers", svc.Type)
		}
		byName := make(map[string]Tier, len(svc.Tiers))
		for _, tier := range svc.Tiers {
			if tier.Name == "" {
				return nil, fmt.Errorf("service %s has a tier without a name", svc.Type)
			}
			if tier.MonthlyPriceCents < 0 {
				return nil, fmt.Errorf("tier %s/%s has a negative price", svc.Type, tier.Name)
			}
			if _, dup := byName[tier.Name]; dup {
				return nil, fmt.Errorf("service %s lists tier %s twice", svc.Type, tier.Name)
			}
			if tier.Limits.MaxRequestsPerSecond <= 0 || tier.Limits.MaxAPIKeys <= 0 {
				return nil, fmt.Errorf("tier %s/%s must allow requests and at least one api key", svc.Type, tier.Name)
			}
			byName[tier.Name] = tier
		}
		c.services[svc.Type] = &svc
		c.tiers[svc.Type] = byName
	}
	return c, nil
}

// Version returns the catalog version label
func (c *Catalog) Version() string {
	return c.version
}

// Tier looks up a tier, returning a validation error for unknown names
func (c *Catalog) Tier(serviceType billing.ServiceType, name string) (Tier, error) {
	tiers, ok := c.tiers[serviceType]
	if !ok {
		return Tier{}, billing.Validationf(billing.CodeUnknownService, "service %s is not offered", serviceType)
	}
	tier, ok := tiers[name]
	if !ok {
		return Tier{}, billing.Validationf(billing.CodeUnknownTier, "tier %s is not offered for %s", name, serviceType)
	}
	return tier, nil
}

// Price returns a tier's monthly price
func (c *Catalog) Price(serviceType billing.ServiceType, name string) (int64, error) {
	tier, err := c.Tier(serviceType, name)
	if err != nil {
		return 0, err
	}
	return tier.MonthlyPriceCents, nil
}

// Services returns the offered services ordered by type
func (c *Catalog) Services() []Service {
	out := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
