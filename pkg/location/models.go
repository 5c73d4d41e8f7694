package location

import "fmt"

// Location represents the geographical coordinates of a monitored place
type Location struct {
	Name      string  `yaml:"name" json:"name"`
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
}

// Validate checks that the coordinates are on the globe.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", l.Longitude)
	}
	return nil
}
