package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tjfontaine/dataagent-gateway/internal/secret"
)

func main() {
	quiet := flag.Bool("q", false, "print only the key")
	flag.Usage = func() {
		fmt.Println("Usage: go run ./cmd/keygen [-q]")
		fmt.Println("Generates a session sealing key for config.yaml")
	}
	flag.Parse()

	key, err := secret.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	encoded := secret.EncodeKey(key)

	if *quiet {
		fmt.Println(encoded)
		return
	}

	fmt.Printf("Sealing Key: %s\n", encoded)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("  session:\n")
	fmt.Printf("    sealing_key: \"%s\"\n", encoded)
	fmt.Println("\nor set it in the environment:")
	fmt.Printf("  AGW_SESSION__SEALING_KEY=%s\n", encoded)
	fmt.Println("\nEvery replica sharing a session store must use the same key.")
}
