// Command hashpw prints the bcrypt hash of each password given on the
// command line. Useful for seeding test users by hand.
package main

import (
	"fmt"
	"os"

	"github.com/tmarek/taskboard-api/internal/service/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: hashpw <password> [password...]")
		os.Exit(1)
	}

	hasher := auth.NewBcryptHasher(0)
	for _, password := range os.Args[1:] {
		hash, err := hasher.Hash(password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error hashing %q: %v\n", password, err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", hash)
	}
}
