package main

import (
	"fmt"
	"os"

	"GeoAttest-Chain/internal/cli"
	xerrors "GeoAttest-Chain/internal/errors"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "geoattest: %v\n", err)
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
