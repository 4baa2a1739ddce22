package main

import (
	"log"

	"github.com/bsvalues/BCBSGISPRO-sub005/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
