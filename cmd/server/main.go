package main

import (
	"os"

	"listing-chat/internal/app"
)

func main() {
	os.Exit(app.Run())
}
