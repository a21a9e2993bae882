package main

import (
	"fmt"

	"github.com/orbitdns/event-fabric/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
