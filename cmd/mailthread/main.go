package main

import (
	"os"

	"horse.fit/mailthread/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
