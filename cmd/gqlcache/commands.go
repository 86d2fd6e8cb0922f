package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/lipgloss/v2/table"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"gqlcache/internal/cache"
	"gqlcache/internal/config"
	"gqlcache/internal/graphql"
	"gqlcache/internal/keys"
	"gqlcache/internal/server"
	"gqlcache/internal/storage"
)

var errNoStore = errors.New("cache store type is none, nothing to do")

// openEngine opens the configured store and an engine over it. The returned
// func closes both.
func openEngine(cfg *config.Config, logger zerolog.Logger) (*cache.Engine, func(), error) {
	store, err := server.OpenStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	if store == nil {
		return nil, nil, errNoStore
	}

	engine, err := server.NewEngine(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	closeFn := func() {
		engine.Close()
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close cache store")
		}
	}
	return engine, closeFn, nil
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run a GraphQL query through the cache",
		UsageText: `gqlcache query [options] [QUERY]`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "read the query document from a file",
			},
			&cli.StringFlag{
				Name:    "operation",
				Aliases: []string{"o"},
				Usage:   "operation name",
			},
			&cli.StringFlag{
				Name:    "variables",
				Aliases: []string{"V"},
				Usage:   "variables as a JSON object",
			},
			&cli.StringFlag{
				Name:  "hash",
				Usage: "precomputed request hash to use as the cache key",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireEndpoint(); err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cmd.Root().ErrWriter)

			c := server.NewClient(cfg, logger)
			defer c.Close()

			engine, closeFn, err := openEngine(cfg, logger)
			switch {
			case errors.Is(err, errNoStore):
			case err != nil:
				return err
			default:
				defer closeFn()
				c.Use(engine.Plugin())
			}

			res := c.Query(ctx, req)
			if res.Err != nil {
				return fmt.Errorf("query failed: %w", res.Err)
			}

			status := "MISS"
			if res.FromCache {
				status = "HIT"
			}
			fmt.Fprintln(cmd.Root().ErrWriter, "cache:", status)

			out, err := json.MarshalIndent(res.Response(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal response: %w", err)
			}
			fmt.Fprintln(cmd.Root().Writer, string(out))
			return nil
		},
	}
}

func requestFromFlags(cmd *cli.Command) (graphql.Request, error) {
	req := graphql.Request{
		Query:         cmd.Args().First(),
		OperationName: cmd.String("operation"),
		Hash:          cmd.String("hash"),
	}

	if path := cmd.String("file"); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read query file: %w", err)
		}
		req.Query = string(content)
	}

	if vars := cmd.String("variables"); vars != "" {
		if !json.Valid([]byte(vars)) {
			return req, fmt.Errorf("variables must be valid JSON")
		}
		req.Variables = json.RawMessage(vars)
	}

	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "remove expired entries from the cache store",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cmd.Root().ErrWriter)

			engine, closeFn, err := openEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			removed := engine.Sweep()
			fmt.Fprintf(cmd.Root().Writer, "removed %s expired entries\n", humanize.Comma(int64(removed)))
			return nil
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "remove every cache entry from the store, leaving other keys alone",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cmd.Root().ErrWriter)

			engine, closeFn, err := openEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			removed := engine.Clear()
			fmt.Fprintf(cmd.Root().Writer, "removed %s records\n", humanize.Comma(int64(removed)))
			return nil
		},
	}
}

type entryInfo struct {
	key       string
	size      int
	hasValue  bool
	expiresAt int64
	hasExpiry bool
}

func (e entryInfo) state(now time.Time) string {
	switch {
	case !e.hasValue:
		return "orphan expiry"
	case !e.hasExpiry:
		return "no expiry"
	case now.UnixMilli() >= e.expiresAt:
		return "expired"
	default:
		return "fresh"
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "list cache entries in the store",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := server.OpenStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open cache store: %w", err)
			}
			if store == nil {
				return errNoStore
			}
			defer store.Close()

			entries, err := collectEntries(store)
			if err != nil {
				return err
			}

			now := time.Now()
			var total uint64
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				expires := "-"
				if e.hasExpiry {
					expires = humanize.Time(time.UnixMilli(e.expiresAt))
				}
				rows = append(rows, []string{e.key, humanize.Bytes(uint64(e.size)), expires, e.state(now)})
				total += uint64(e.size)
			}

			t := table.New().
				BorderBottom(false).
				BorderTop(false).
				BorderLeft(false).
				BorderRight(false).
				Border(lipgloss.HiddenBorder()).
				Headers("KEY", "SIZE", "EXPIRES", "STATE").
				BorderHeader(false).
				Rows(rows...)
			fmt.Fprintln(cmd.Root().Writer, t)

			fmt.Fprintf(cmd.Root().Writer, "%s entries, %s\n", humanize.Comma(int64(len(entries))), humanize.Bytes(total))
			return nil
		},
	}
}

// collectEntries pairs value and expiry records of this cache, sorted by key
func collectEntries(store storage.Store) ([]entryInfo, error) {
	byKey := make(map[string]*entryInfo)
	get := func(key string) *entryInfo {
		e, ok := byKey[key]
		if !ok {
			e = &entryInfo{key: key}
			byKey[key] = e
		}
		return e
	}

	values := make(map[string]string)
	err := store.Range(func(key, value string) bool {
		if keys.IsNamespaced(key) {
			values[key] = value
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}

	for key, value := range values {
		if keys.IsExpiryKey(key) {
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				e := get(keys.ValueKey(key))
				e.expiresAt = ms
				e.hasExpiry = true
				continue
			}
		}
		e := get(key)
		e.size = len(value)
		e.hasValue = true
	}

	entries := make([]entryInfo, 0, len(byKey))
	for _, e := range byKey {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})
	return entries, nil
}
