// bufrkit is the command-line front end: decode a BUFR file to JSON,
// re-encode a previously decoded message, or run a path query against a
// decoded tree.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/madpsy/bufrkit/pkg/bufr"
	"github.com/madpsy/bufrkit/pkg/query"
	"github.com/madpsy/bufrkit/pkg/tables"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  bufrkit decode  [-tables DIR] [-json] FILE
  bufrkit encode  [-tables DIR] [-out FILE] FILE
  bufrkit query   [-tables DIR] PATH_EXPR FILE
  bufrkit info    FILE
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	tablesDir := fs.String("tables", "tables", "Directory holding the table snapshots")
	asJSON := fs.Bool("json", true, "Render decoded tree as JSON")
	outPath := fs.String("out", "", "Output file (default stdout)")
	fs.Parse(os.Args[2:])
	args := fs.Args()

	switch cmd {
	case "decode":
		if len(args) != 1 {
			usage()
		}
		runDecode(*tablesDir, args[0], *asJSON, *outPath)
	case "encode":
		if len(args) != 1 {
			usage()
		}
		runEncode(*tablesDir, args[0], *outPath)
	case "query":
		if len(args) != 2 {
			usage()
		}
		runQuery(*tablesDir, args[0], args[1])
	case "info":
		if len(args) != 1 {
			usage()
		}
		runInfo(args[0])
	default:
		usage()
	}
}

// loadMessage reads the first message in the file, negotiates its table
// key from section 1, and decodes it. The negotiated snapshot is
// returned alongside so callers can re-encode or resolve code values.
func loadMessage(tablesDir, path string) (*bufr.Message, tables.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	raw, err := bufr.NewScanner(data).Next()
	if err != nil {
		return nil, nil, err
	}
	framed, err := bufr.ParseSections(raw)
	if err != nil {
		return nil, nil, err
	}
	store := tables.NewStore(tablesDir)
	snap, err := store.Get(framed.Section1.TableKey())
	if err != nil {
		return nil, nil, err
	}
	msg, err := bufr.Decode(raw, snap)
	if err != nil {
		return nil, nil, err
	}
	return msg, snap, nil
}

func runDecode(tablesDir, path string, asJSON bool, outPath string) {
	msg, provider, err := loadMessage(tablesDir, path)
	if err != nil {
		log.Fatalf("Decode error: %v", err)
	}
	if !asJSON {
		fmt.Printf("Decoded %d subsets, %d descriptors\n", msg.Section3.NSubsets, len(msg.Section3.Descriptors))
		return
	}
	blob, err := renderMessage(msg, provider)
	if err != nil {
		log.Fatalf("Render error: %v", err)
	}
	writeOut(outPath, append(blob, '\n'))
}

func runEncode(tablesDir, path, outPath string) {
	msg, provider, err := loadMessage(tablesDir, path)
	if err != nil {
		log.Fatalf("Decode error: %v", err)
	}
	out, err := bufr.Encode(msg, provider)
	if err != nil {
		log.Fatalf("Encode error: %v", err)
	}
	writeOut(outPath, out)
}

func runQuery(tablesDir, expr, path string) {
	msg, _, err := loadMessage(tablesDir, path)
	if err != nil {
		log.Fatalf("Decode error: %v", err)
	}
	nodes, err := query.Find(msg.Root, expr)
	if err != nil {
		log.Fatalf("Query error: %v", err)
	}
	for _, n := range nodes {
		fmt.Printf("%s: %v\n", n.Label(), n.Values)
	}
}

func runInfo(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Read error: %v", err)
	}
	scanner := bufr.NewScanner(data)
	i := 0
	for {
		raw, err := scanner.Next()
		if err != nil {
			break
		}
		msg, err := bufr.ParseSections(raw)
		if err != nil {
			log.Printf("Message %d: %v", i, err)
			i++
			continue
		}
		fmt.Printf("Message %d: edition %d, centre %d, category %d, %d subsets, compressed=%v, %d descriptors\n",
			i, msg.Section0.Edition, msg.Section1.OriginatingCentre, msg.Section1.DataCategory,
			msg.Section3.NSubsets, msg.Section3.Compressed, len(msg.Section3.Descriptors))
		i++
	}
}

func writeOut(outPath string, data []byte) {
	if outPath == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		log.Fatalf("Write error: %v", err)
	}
}
