// Command keygen creates and inspects cell identity keyfiles.
//
// Generation writes a fresh keyring to disk and prints the derived cell
// id and composite public key. Inspection loads an existing keyfile,
// verifies its key material and prints the same summary, which is the
// out-of-band channel for trust bootstrapping.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cellmesh/cell/server/identity"
)

func main() {
	var name = flag.String("name", "", "Cell name to generate a keyfile for")
	var out = flag.String("out", "./cell.keys", "Path to write the generated keyfile to")
	var inspect = flag.String("inspect", "", "Path of an existing keyfile to inspect")

	flag.Parse()

	if *name != "" {
		generate(*name, *out)
	} else if *inspect != "" {
		inspectKeyfile(*inspect)
	} else {
		flag.Usage()
	}
}

func generate(name, path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Println("refusing to overwrite existing keyfile", path)
		os.Exit(1)
	}

	keyring, err := identity.Generate(name)
	if err != nil {
		fmt.Println("failed to generate keyring:", err)
		os.Exit(1)
	}
	if err = keyring.Save(path); err != nil {
		fmt.Println("failed to save keyfile:", err)
		os.Exit(1)
	}

	printSummary(keyring, path)
}

func inspectKeyfile(path string) {
	keyring, err := identity.Load(path)
	if err != nil {
		fmt.Println("INVALID:", err)
		os.Exit(1)
	}
	if err = identity.ValidatePublicKey(keyring.PublicKey()); err != nil {
		fmt.Println("INVALID:", err)
		os.Exit(1)
	}

	printSummary(keyring, path)
}

func printSummary(keyring *identity.Keyring, path string) {
	fmt.Println("Keyfile:   ", path)
	fmt.Println("Name:      ", keyring.Name())
	fmt.Println("Cell id:   ", keyring.ID())
	fmt.Println("Public key:", keyring.PublicKey())
}
