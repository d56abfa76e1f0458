package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Generates the two 32-byte secrets the service needs: the HMAC token
// signing key and the credential-encryption master key.
func main() {
	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("TOKEN_SIGNING_KEY=%s\n", randomHex())
	fmt.Printf("MASTER_KEY=%s\n", randomHex())
	fmt.Println("--------------------------------")
}

func randomHex() string {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Printf("Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	return hex.EncodeToString(key)
}
