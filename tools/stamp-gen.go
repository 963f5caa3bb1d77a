// stamp-gen generates synthetic annotation payloads for exercising the
// save, conversion and merge paths without placing stamps by hand.
//
// The output is the envelope the annotations endpoint accepts, so a
// generated file can be pushed straight at a running daemon:
//
//	go run tools/stamp-gen.go -output annotations.json -pages 5 -profile contract
//	curl -X PUT -d @annotations.json \
//	  http://127.0.0.1:8421/api/v1/documents/<id>/annotations
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

// annotation mirrors the wire shape of the annotations endpoint.
type annotation struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Page            int     `json:"page"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	RelativeX       float64 `json:"relativeX"`
	RelativeY       float64 `json:"relativeY"`
	RelativeWidth   float64 `json:"relativeWidth"`
	RelativeHeight  float64 `json:"relativeHeight"`
	Content         string  `json:"content,omitempty"`
	ImageData       string  `json:"imageData,omitempty"`
	SignatureSource string  `json:"signatureSource,omitempty"`
	FontSize        int     `json:"fontSize,omitempty"`
}

type envelope struct {
	Annotations []annotation `json:"annotations"`
}

// PlacementProfile describes a way people actually stamp documents.
type PlacementProfile struct {
	Name        string
	Description string
	Generate    func(rng *rand.Rand, pages int, w, h float64) []annotation
}

// stubPNG is a 1x1 transparent PNG, enough to satisfy the data-URL
// contract without bloating generated files.
const stubPNG = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

var fieldContent = []string{
	"John Q. Example",
	"123 Main Street",
	"Springfield",
	"2026-08-25",
	"Unit 4B",
	"Approved",
}

var profiles = map[string]PlacementProfile{
	"contract": {
		Name:        "Contract Signing",
		Description: "Initials on every page, full signature and date on the last",
		Generate:    generateContract,
	},
	"form-heavy": {
		Name:        "Dense Form",
		Description: "Many text fields scattered across every page",
		Generate:    generateFormHeavy,
	},
	"initials-only": {
		Name:        "Initials Pass",
		Description: "One set of initials per page, nothing else",
		Generate:    generateInitials,
	},
	"edge-stress": {
		Name:        "Edge Stress",
		Description: "Placements hugging and crossing page edges",
		Generate:    generateEdgeStress,
	},
}

func main() {
	var (
		outputPath   = flag.String("output", "annotations.json", "Output file path")
		pages        = flag.Int("pages", 3, "Number of document pages")
		profileName  = flag.String("profile", "contract", "Placement profile to use")
		pageWidth    = flag.Float64("page-width", 612, "Page display width in points")
		pageHeight   = flag.Float64("page-height", 792, "Page display height in points")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		for name, p := range profiles {
			fmt.Printf("  %-16s %s\n", name, p.Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}
	if *pages < 1 {
		fmt.Fprintln(os.Stderr, "pages must be at least 1")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	fmt.Printf("Generating %q placements for %d pages (seed %d)\n",
		profile.Name, *pages, *seed)

	anns := profile.Generate(rng, *pages, *pageWidth, *pageHeight)
	for i := range anns {
		finishAnnotation(&anns[i], i, *pageWidth, *pageHeight)
	}

	data, err := json.MarshalIndent(envelope{Annotations: anns}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling annotations: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %d annotations to %s\n", len(anns), *outputPath)
	printStats(anns, *pages)
}

// finishAnnotation fills the fields every annotation needs regardless of
// profile: a local id the server will replace with a canonical one, the
// derived relative coordinates, and the image stub for signatures.
func finishAnnotation(a *annotation, n int, w, h float64) {
	a.ID = fmt.Sprintf("gen-%d-%d", time.Now().UnixMilli(), n)
	a.RelativeX = a.X / w
	a.RelativeY = a.Y / h
	a.RelativeWidth = a.Width / w
	a.RelativeHeight = a.Height / h
	if a.Type == "signature" {
		a.ImageData = stubPNG
		a.SignatureSource = "canvas"
	}
}

func generateContract(rng *rand.Rand, pages int, w, h float64) []annotation {
	var anns []annotation
	for p := 1; p <= pages; p++ {
		// Initials in the bottom-right corner of every page.
		anns = append(anns, annotation{
			Type: "signature", Page: p,
			X: w - 110 - rng.Float64()*10, Y: h - 70,
			Width: 60, Height: 30,
		})
	}
	// Full signature above the signing line on the last page, with the
	// date beside it.
	anns = append(anns, annotation{
		Type: "signature", Page: pages,
		X: w * 0.15, Y: h - 160,
		Width: 150, Height: 75,
	})
	anns = append(anns, annotation{
		Type: "text", Page: pages,
		X: w*0.15 + 180, Y: h - 130,
		Width: 120, Height: 30,
		Content: "2026-08-25", FontSize: 12,
	})
	return anns
}

func generateFormHeavy(rng *rand.Rand, pages int, w, h float64) []annotation {
	var anns []annotation
	for p := 1; p <= pages; p++ {
		fields := 4 + rng.Intn(5)
		for i := 0; i < fields; i++ {
			anns = append(anns, annotation{
				Type: "text", Page: p,
				X:     20 + rng.Float64()*(w-240),
				Y:     40 + rng.Float64()*(h-120),
				Width: 200, Height: 50,
				Content:  fieldContent[rng.Intn(len(fieldContent))],
				FontSize: 8 + rng.Intn(12),
			})
		}
	}
	return anns
}

func generateInitials(rng *rand.Rand, pages int, w, h float64) []annotation {
	var anns []annotation
	for p := 1; p <= pages; p++ {
		x := w - 120.0
		if rng.Float64() < 0.5 {
			x = 40
		}
		anns = append(anns, annotation{
			Type: "signature", Page: p,
			X: x, Y: h - 70,
			Width: 60, Height: 30,
		})
	}
	return anns
}

// generateEdgeStress places stamps at and past page edges. Off-page
// placements are legal on the wire; this is the data set for checking
// they survive save, reload and merge untouched.
func generateEdgeStress(rng *rand.Rand, pages int, w, h float64) []annotation {
	var anns []annotation
	for p := 1; p <= pages; p++ {
		anns = append(anns,
			annotation{Type: "signature", Page: p, X: -40, Y: h / 2, Width: 150, Height: 75},
			annotation{Type: "signature", Page: p, X: w - 30, Y: h - 40, Width: 150, Height: 75},
			annotation{Type: "text", Page: p, X: w / 2, Y: -10, Width: 200, Height: 50,
				Content: "header overflow", FontSize: 10},
		)
	}
	return anns
}

func printStats(anns []annotation, pages int) {
	byType := map[string]int{}
	byPage := map[int]int{}
	for _, a := range anns {
		byType[a.Type]++
		byPage[a.Page]++
	}
	fmt.Printf("  signatures: %d, text fields: %d\n", byType["signature"], byType["text"])
	covered := 0
	for p := 1; p <= pages; p++ {
		if byPage[p] > 0 {
			covered++
		}
	}
	fmt.Printf("  pages with placements: %d/%d\n", covered, pages)
}
