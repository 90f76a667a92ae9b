package main

import (
	"fmt"
	"os"

	"github.com/mnemo-oss/mnemo/internal/cli"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if s := mnemoerr.Suggestion(err); s != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", s)
		}
		os.Exit(1)
	}
}
