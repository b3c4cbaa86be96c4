package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/docrelay/docrelay/pkg/viz"
)

// Inspect the change history of a document: either a local automerge dump
// file or the live doc fetched from a relay. Prints the change log and
// renders the DAG to SVG.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	serverVar := flag.String("server", "", "fetch the doc from this relay base url instead of a file")
	documentVar := flag.String("document", "default", "the document id to fetch")
	renderVar := flag.Bool("render", true, "render the change DAG to a temp SVG")
	flag.Parse()

	var raw []byte
	if *serverVar != "" {
		baseURL, err := url.Parse(*serverVar)
		if err != nil {
			return fmt.Errorf("failed to parse server url: %w", err)
		}
		resp, err := http.DefaultClient.Get(baseURL.JoinPath("documents", *documentVar, "latest").String())
		if err != nil {
			return fmt.Errorf("failed to get: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		if raw, err = io.ReadAll(resp.Body); err != nil {
			return fmt.Errorf("failed to read body from get: %w", err)
		}
	} else {
		if flag.NArg() != 1 {
			return fmt.Errorf("expected one positional argument: the dump file to read")
		}
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		if raw, err = io.ReadAll(f); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
	}

	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *renderVar {
		svgPath, err := viz.RenderToTemp(doc)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
