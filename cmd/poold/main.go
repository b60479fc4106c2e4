package main

import (
	"log"

	"icopool/services/poold"
)

func main() {
	if err := poold.Main(); err != nil {
		log.Fatalf("poold: %v", err)
	}
}
