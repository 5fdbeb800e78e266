package main

import (
	"log"

	"github.com/MrSnakeDoc/wake/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ wake failed to start: %v", err)
	}
}
