// Package main — entry point of the live-session service (HTTP + WebSocket).
package main

import (
	"log"

	"github.com/saivats/Digi-Kul-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
