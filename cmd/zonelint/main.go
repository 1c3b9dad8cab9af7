// Command zonelint validates a JSON file of zone definitions offline: the
// same field, geometry, and pairwise-overlap checks the engine applies at
// creation time, without needing the index running. Useful for vetting a
// zone catalog before seeding an environment.
//
// Usage:
//
//	go run ./cmd/zonelint -file zones.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/geo"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	file := flag.String("file", "", "path to a JSON array of zones")
	flag.Parse()
	if *file == "" {
		flag.Usage()
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var zones []domain.Zone
	if err := json.Unmarshal(data, &zones); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}

	problems := 0
	rings := make([][]domain.Coordinate, len(zones))
	for i := range zones {
		z := &zones[i]
		label := z.Name
		if label == "" {
			label = fmt.Sprintf("zone[%d]", i)
		}

		if err := z.ValidateFields(); err != nil {
			problems++
			fmt.Printf("FAIL %s: %v\n", label, err)
			continue
		}
		ring, err := geo.ValidateRing(z.Coordinates)
		if err != nil {
			problems++
			fmt.Printf("FAIL %s: %v\n", label, err)
			continue
		}
		rings[i] = ring
		area := geo.SphericalArea(ring)
		fmt.Printf("ok   %s: %d vertices, %.0f m²\n", label, len(ring)-1, area)
	}

	// Pairwise overlap over the zones that passed geometry checks.
	for i := range zones {
		if rings[i] == nil || zones[i].Status == domain.ZoneInactive {
			continue
		}
		for j := i + 1; j < len(zones); j++ {
			if rings[j] == nil || zones[j].Status == domain.ZoneInactive {
				continue
			}
			if geo.Overlaps(rings[i], rings[j]) {
				problems++
				fmt.Printf("FAIL overlap: %q and %q\n", zones[i].Name, zones[j].Name)
			}
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found in %d zone(s)", problems, len(zones))
	}
	fmt.Printf("all %d zone(s) valid\n", len(zones))
	return nil
}
