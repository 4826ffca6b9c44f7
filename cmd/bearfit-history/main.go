package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/astromechza/bearfit/pkg/document"
	"github.com/astromechza/bearfit/pkg/history"
	"github.com/astromechza/bearfit/pkg/viz"
)

func main() {
	if err := mainInner(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner(args []string, stdout io.Writer) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flagSet := pflag.NewFlagSet("bearfit-history", pflag.ContinueOnError)
	through := flagSet.Int64("through", 0, "replay only up to this clock (0 replays everything)")
	svgPath := flagSet.String("svg", "", "also render the replayed change graph to this svg file")
	legacy := flagSet.Bool("legacy", false, "fetch the legacy \\n\\n framing instead of the length framing")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bearfit-history [flags] <history file | http(s) url of /parties/main/{room}/history>")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file or url to read")
	}

	body, err := readSource(flagSet.Arg(0), *legacy)
	if err != nil {
		return err
	}
	entries, err := history.Decode(body)
	if err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}
	slog.Info("loaded history", "bytes", len(body), "entries", len(entries))

	replayed := document.New()
	for i, entry := range entries {
		if entry.IsSnapshot() {
			slog.Info("entry", "i", fmt.Sprintf("%4d", i), "label", entry.Label, "bytes", len(entry.Value))
			continue
		}
		clock, err := entry.Clock()
		if err != nil {
			return err
		}
		if *through > 0 && clock > *through {
			break
		}
		if err := replayed.ApplyDelta(entry.Value); err != nil {
			return fmt.Errorf("failed to replay clock %d: %w", clock, err)
		}
		snap, err := replayed.Snapshot()
		if err != nil {
			return err
		}
		slog.Info("entry", "i", fmt.Sprintf("%4d", i), "clock", clock, "bytes", len(entry.Value), "state", viz.Summarize(snap))
	}

	final, err := replayed.Snapshot()
	if err != nil {
		return err
	}
	if *through <= 0 {
		if full, ok, err := document.FromSnapshotEntry(entries); err != nil {
			slog.Warn("failed to load full state entry", "err", err)
		} else if ok {
			if fullSnap, err := full.Snapshot(); err == nil && !reflect.DeepEqual(fullSnap, final) {
				slog.Warn("replayed log differs from the full state entry", "log", viz.Summarize(final), "state", viz.Summarize(fullSnap))
			}
		}
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(final); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if *svgPath != "" {
		if err := viz.RenderToFile(replayed, *svgPath); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgPath)
	}
	return nil
}

func readSource(source string, legacy bool) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		raw, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		return raw, nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	if !legacy {
		q := u.Query()
		q.Set("framing", "length")
		u.RawQuery = q.Encode()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	return raw, nil
}
