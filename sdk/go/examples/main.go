// Command examples submits a claim to a GeoAttest server and decodes the
// returned attestation.
//
//	go run ./sdk/go/examples -url http://localhost:8080 -key $GEOATTEST_API_KEY
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/sdk/go/geoattest"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "GeoAttest API base URL")
	apiKey := flag.String("key", "", "API key, when the server requires one")
	flag.Parse()

	client, err := geoattest.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	if *apiKey != "" {
		client.SetAPIKey(*apiKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	resp, err := client.Assess(ctx, geoattest.AssessRequest{
		Claim: location.NewPointClaim(location.Point{Lon: -122.4194, Lat: 37.7749}, 500, location.Instant(now), location.OperationWithin),
		Stamps: []location.Stamp{{
			Plugin:    "gps",
			Timestamp: now,
			Location:  location.Point{Lon: -122.42, Lat: 37.775},
			Accuracy:  10,
		}},
		Attest: "auto",
	})
	if err != nil {
		log.Fatalf("assess: %v", err)
	}
	c := resp.Assessment.Credibility
	fmt.Printf("assessment %s: %s (overall %.2f, %d/%d stamps verified)\n", resp.Assessment.ID, c.Outcome, c.Overall, c.Verified, c.Submitted)
	for _, r := range resp.Assessment.Rejections {
		fmt.Printf("  stamp %d rejected by %s: %s\n", r.Index, r.Plugin, r.Reason)
	}
	if resp.Attestation == nil {
		if resp.AttestationError != nil {
			fmt.Println("no attestation:", resp.AttestationError.Message)
		}
		return
	}

	decoded, err := client.DecodeByUID(ctx, resp.Attestation.UID, resp.Attestation.Data)
	if err != nil {
		log.Fatalf("decode: %v", err)
	}
	fmt.Printf("%s record under %s: %s\n", decoded.Schema, resp.Attestation.UID.Hex(), decoded.Record)
}
