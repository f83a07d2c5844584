// Command ragent answers questions over a document corpus with a language
// model, keeping per-session history and calling local tools.
//
//	ragent serve                 run the HTTP/websocket gateway
//	ragent chat "question"       one turn from the terminal
//	ragent index ./docs          sync the document index
//
// A .env file in the working directory is loaded before the config, so
// ANTHROPIC_API_KEY, OPENAI_API_KEY and RAGENT_* variables can live there.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/harun/ragent/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
