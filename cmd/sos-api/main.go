package main

import (
	"context"
)

func main() {
	app := mustBootstrapSOSAPI()
	defer app.Close()

	if err := app.Run(); err != nil && err != context.Canceled {
		panic(err)
	}
}
