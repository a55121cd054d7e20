package main

import (
	"context"
	"errors"
	"os"
)

func main() {
	a := mustBootstrapSyncAPI()
	defer a.Close()

	if err := a.Run(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("sync api stopped", "error", err.Error())
		os.Exit(1)
	}
}
