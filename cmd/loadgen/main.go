// Command loadgen generates synthetic tourist location traffic against a
// running engine, for load testing and for populating a dev index. Users
// random-walk inside a bounding box around a configurable center, so a few
// zones drawn in that area will produce a realistic event stream.
//
// Usage:
//
//	go run ./cmd/loadgen \
//	  -addr http://localhost:8080 \
//	  -users 500 -rate 50 -duration 2m
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type walker struct {
	userID string
	lat    float64
	lon    float64
}

type locationBody struct {
	UserID     string  `json:"user_id"`
	Coordinate coord   `json:"coordinate"`
	Accuracy   float64 `json:"accuracy"`
	Battery    float64 `json:"battery"`
	Speed      float64 `json:"speed"`
}

type coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	addr := flag.String("addr", "http://localhost:8080", "engine base URL")
	users := flag.Int("users", 100, "number of simulated users")
	rate := flag.Int("rate", 20, "location updates per second")
	duration := flag.Duration("duration", time.Minute, "how long to run")
	centerLat := flag.Float64("lat", 28.6144, "walk area center latitude")
	centerLon := flag.Float64("lon", 77.2095, "walk area center longitude")
	spreadDeg := flag.Float64("spread", 0.01, "walk area half-width in degrees")
	queue := flag.Bool("queue", false, "use the async queue endpoint instead of the sync path")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	walkers := make([]*walker, *users)
	for i := range walkers {
		walkers[i] = &walker{
			userID: fmt.Sprintf("tourist-%04d", i),
			lat:    *centerLat + (rng.Float64()*2-1)**spreadDeg,
			lon:    *centerLon + (rng.Float64()*2-1)**spreadDeg,
		}
	}

	path := "/location"
	if *queue {
		path = "/location/queue"
	}
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()
	deadline := time.Now().Add(*duration)

	var sent, failed int
	for time.Now().Before(deadline) {
		<-ticker.C
		w := walkers[rng.Intn(len(walkers))]
		w.lat += (rng.Float64()*2 - 1) * 0.0002
		w.lon += (rng.Float64()*2 - 1) * 0.0002

		body, err := json.Marshal(locationBody{
			UserID:     w.userID,
			Coordinate: coord{Lat: w.lat, Lon: w.lon},
			Accuracy:   5 + rng.Float64()*20,
			Battery:    20 + rng.Float64()*80,
			Speed:      rng.Float64() * 2,
		})
		if err != nil {
			return err
		}

		resp, err := client.Post(*addr+path, "application/json", bytes.NewReader(body))
		if err != nil {
			failed++
			log.Printf("post failed: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			failed++
			log.Printf("engine rejected update: status %d", resp.StatusCode)
			continue
		}
		sent++
		if sent%500 == 0 {
			log.Printf("sent %d updates (%d failed)", sent, failed)
		}
	}

	log.Printf("done: %d sent, %d failed", sent, failed)
	return nil
}
