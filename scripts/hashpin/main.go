// hashpin hashes a removal PIN for TASUKI_ADMIN_PIN_HASH.
//
// Usage (run from the repo root):
//
//	go run ./scripts/hashpin 2468
//	echo 2468 | go run ./scripts/hashpin
//
// Put the printed value in TASUKI_ADMIN_PIN_HASH and leave TASUKI_ADMIN_PIN
// unset so the plain PIN never sits in the environment.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ashita-ai/tasuki/internal/auth"
)

func main() {
	pin, err := readPIN()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	hash, err := auth.HashPIN(pin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func readPIN() (string, error) {
	if len(os.Args) > 1 {
		return strings.TrimSpace(os.Args[1]), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	pin := strings.TrimSpace(line)
	if pin == "" {
		if err != nil {
			return "", fmt.Errorf("read pin: %w", err)
		}
		return "", fmt.Errorf("empty pin")
	}
	return pin, nil
}
