package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspects/cacheproxy/internal/vault"
)

// cmdKeys manages credentials in the OS keychain for a named endpoint
// (the same name used in an api_endpoints[].key_ref of
// "keyring://cacheproxy/<endpoint>"). Endpoints are config-driven, so
// unlike a provider registry there is no list of known names to enumerate;
// set/delete operate on whatever name the caller supplies.
func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: cacheproxy keys <set|delete> <endpoint>")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: cacheproxy keys set <endpoint>")
			os.Exit(1)
		}
		endpoint := args[1]
		fmt.Printf("Enter API key for %s: ", endpoint)
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(endpoint, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored successfully\n", endpoint)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: cacheproxy keys delete <endpoint>")
			os.Exit(1)
		}
		endpoint := args[1]
		if err := v.Delete(endpoint); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", endpoint)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
