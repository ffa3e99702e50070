package main

import (
	"log"

	chargerd "veilpay/services/chargerd"
)

func main() {
	if err := chargerd.Main(); err != nil {
		log.Fatalf("chargerd: %v", err)
	}
}
