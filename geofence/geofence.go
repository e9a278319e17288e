/*
Package geofence answers "is this customer inside one of our stores?".

PURPOSE:
  Self-service purchase submission is only allowed on premises. Each
  StoreLocation has coordinates and an allowed radius; a point is on
  premises when its great-circle distance to any store is within that
  store's radius.

STORES FILE (YAML):
  stores:
    - id: centro
      name: Elite Açaí Centro
      latitude: -23.5505
      longitude: -46.6333
      radius_meters: 150
*/
package geofence

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/golang/geo/s2"
	"gopkg.in/yaml.v3"
)

const earthRadiusMeters = 6371000.0

var ErrNoStores = errors.New("no store locations configured")

type StoreLocation struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

func (s StoreLocation) validate() error {
	switch {
	case s.ID == "":
		return errors.New("store id is required")
	case !s2.LatLngFromDegrees(s.Latitude, s.Longitude).IsValid():
		return fmt.Errorf("store %s: coordinates out of range", s.ID)
	case s.RadiusMeters <= 0:
		return fmt.Errorf("store %s: radius must be positive", s.ID)
	}
	return nil
}

// Nearest is the closest store to a point, for user feedback.
type Nearest struct {
	StoreID        string
	Name           string
	DistanceMeters float64
	Within         bool
}

// Checker evaluates points against a fixed set of stores.
type Checker struct {
	stores []StoreLocation
}

func NewChecker(stores []StoreLocation) (*Checker, error) {
	if len(stores) == 0 {
		return nil, ErrNoStores
	}
	for _, s := range stores {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}
	return &Checker{stores: append([]StoreLocation(nil), stores...)}, nil
}

type storesFile struct {
	Stores []StoreLocation `yaml:"stores"`
}

// LoadStores reads store locations from a YAML file.
func LoadStores(path string) ([]StoreLocation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stores file: %w", err)
	}
	return ParseStores(raw)
}

func ParseStores(raw []byte) ([]StoreLocation, error) {
	var f storesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse stores file: %w", err)
	}
	if len(f.Stores) == 0 {
		return nil, ErrNoStores
	}
	return f.Stores, nil
}

func (c *Checker) Stores() []StoreLocation {
	return append([]StoreLocation(nil), c.stores...)
}

// IsOnPremises reports whether the point lies within any store radius.
func (c *Checker) IsOnPremises(ctx context.Context, lat, lng float64) (bool, error) {
	n, err := c.ClosestStore(ctx, lat, lng)
	if err != nil {
		return false, err
	}
	return n.Within, nil
}

// ClosestStore returns the store nearest to the point. Within is true when
// the point is inside any store's radius, which need not be the nearest
// store when radii differ.
func (c *Checker) ClosestStore(ctx context.Context, lat, lng float64) (Nearest, error) {
	if err := ctx.Err(); err != nil {
		return Nearest{}, err
	}
	if !s2.LatLngFromDegrees(lat, lng).IsValid() {
		return Nearest{}, fmt.Errorf("coordinates out of range: %f,%f", lat, lng)
	}

	var best Nearest
	for i, s := range c.stores {
		d := Distance(lat, lng, s.Latitude, s.Longitude)
		if i == 0 || d < best.DistanceMeters {
			best.StoreID, best.Name, best.DistanceMeters = s.ID, s.Name, d
		}
		if d <= s.RadiusMeters {
			best.Within = true
		}
	}
	return best, nil
}

// Distance returns the great-circle distance in meters on a spherical earth.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lng1)
	b := s2.LatLngFromDegrees(lat2, lng2)
	return a.Distance(b).Radians() * earthRadiusMeters
}
