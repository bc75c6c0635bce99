package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"pkg.jsn.cam/chunkdist/cmd/testdata/generator"
)

/*generates event files for chunkdist runs: {output}/events_{n}{ext}*/

var (
	Format    = flag.String("format", "csv", "Output format ("+strings.Join(generator.List(), ", ")+")")
	Files     = flag.Int("files", 3, "Number of files to generate")
	Count     = flag.Int64("count", 0, "Events per file (0 = generator default)")
	OutputDir = flag.String("output", "var/testdata", "Output directory")
	Seed      = flag.Uint64("seed", 1, "Random seed")
)

func writeFile(path string, g generator.Generator, count int64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriterSize(file, 1<<20)
	if err := g.WriteHeader(w); err != nil {
		return err
	}
	for i := int64(0); i < count; i++ {
		if err := g.WriteLine(w); err != nil {
			return err
		}
	}

	return w.Flush()
}

func main() {
	flag.Parse()

	if err := os.MkdirAll(*OutputDir, 0755); err != nil {
		log.Fatal(err)
	}

	for n := 0; n < *Files; n++ {
		g, err := generator.Get(*Format)
		if err != nil {
			log.Fatal(err)
		}
		g.Init(rand.New(rand.NewPCG(*Seed, uint64(n))))

		count := *Count
		if count <= 0 {
			count = g.DefaultCount()
		}

		path := filepath.Join(*OutputDir, fmt.Sprintf("events_%d%s", n, g.Ext()))
		if err := writeFile(path, g, count); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}

		fmt.Printf("%s: %d events (%s)\n", path, count, g.Description())
	}
}
