// Command engram is a CLI for the engram conversational memory engine:
// schema initialization, message ingestion, retrieval, and maintenance.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nevindra/engram"
	"github.com/nevindra/engram/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Conversational memory engine",
	Long:  `Ingests conversation messages, extracts long-term memories with an LLM, and serves hybrid BM25+vector retrieval over them.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the storage schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		docs, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := docs.Init(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		fmt.Printf("Storage initialized (%s)\n", cfg.Storage.Backend)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a message to the conversation buffer",
	Long: `Adds one message, or a stream of messages from a JSONL file via --file.
Messages that close an episode trigger memory extraction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			return addFromFile(ctx, eng, file)
		}

		content, _ := cmd.Flags().GetString("content")
		if content == "" {
			return fmt.Errorf("either --content or --file is required")
		}
		sender, _ := cmd.Flags().GetString("sender")
		senderName, _ := cmd.Flags().GetString("sender-name")
		role, _ := cmd.Flags().GetString("role")
		groupID, _ := cmd.Flags().GetString("group")
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = engram.NewID()
		}

		result, err := eng.AddMessage(ctx, engram.Message{
			ID:         id,
			CreateTime: time.Now(),
			Sender:     sender,
			SenderName: senderName,
			Role:       engram.Role(role),
			Content:    content,
			GroupID:    groupID,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		userID, _ := cmd.Flags().GetString("user")
		groupID, _ := cmd.Flags().GetString("group")
		method, _ := cmd.Flags().GetString("method")
		topK, _ := cmd.Flags().GetInt("top-k")
		radius, _ := cmd.Flags().GetFloat64("radius")
		days, _ := cmd.Flags().GetInt("days")
		types, _ := cmd.Flags().GetStringSlice("types")

		req := engram.SearchRequest{
			Query:          args[0],
			UserID:         userID,
			GroupID:        groupID,
			RetrieveMethod: method,
			TopK:           topK,
			Radius:         radius,
			TimeRangeDays:  days,
			MemoryTypes:    toMemoryTypes(types),
		}
		resp, err := eng.Search(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch memories without a query",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		userID, _ := cmd.Flags().GetString("user")
		groupID, _ := cmd.Flags().GetString("group")
		episodeID, _ := cmd.Flags().GetString("episode")
		types, _ := cmd.Flags().GetStringSlice("types")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		sortBy, _ := cmd.Flags().GetString("sort-by")
		sortOrder, _ := cmd.Flags().GetString("sort-order")

		records, err := eng.Fetch(ctx, engram.FetchRequest{
			UserID:      userID,
			GroupID:     groupID,
			EpisodeID:   episodeID,
			MemoryTypes: toMemoryTypes(types),
			Limit:       limit,
			Offset:      offset,
			SortBy:      sortBy,
			SortOrder:   sortOrder,
		})
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Soft-delete memories by id, user, or group",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		eventID, _ := cmd.Flags().GetString("id")
		userID, _ := cmd.Flags().GetString("user")
		groupID, _ := cmd.Flags().GetString("group")

		n, err := eng.Delete(ctx, engram.DeleteRequest{
			EventID: eventID,
			UserID:  userID,
			GroupID: groupID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d memories\n", n)
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Force-close all open conversation buffers and extract memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		records, err := eng.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Flushed %d memories\n", len(records))
		return printJSON(records)
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Manage conversation metadata",
}

var metaGetCmd = &cobra.Command{
	Use:   "get [group-id]",
	Short: "Show conversation metadata",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		groupID := ""
		if len(args) == 1 {
			groupID = args[0]
		}
		meta, err := eng.Meta().Get(ctx, groupID)
		if err != nil {
			return err
		}
		return printJSON(meta)
	},
}

var metaPatchCmd = &cobra.Command{
	Use:   "patch <group-id> <field=value>...",
	Short: "Update mutable metadata fields",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(configPath)
		ctx := cmd.Context()

		eng, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		fields := make(map[string]any, len(args)-1)
		for _, pair := range args[1:] {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid field assignment %q, want field=value", pair)
			}
			// Values that parse as JSON are passed structured; everything
			// else is a plain string.
			var parsed any
			if err := json.Unmarshal([]byte(value), &parsed); err == nil {
				fields[key] = parsed
			} else {
				fields[key] = value
			}
		}
		meta, err := eng.Meta().Patch(ctx, args[0], fields)
		if err != nil {
			return err
		}
		return printJSON(meta)
	},
}

func addFromFile(ctx context.Context, eng *engram.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var total, extracted int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg engram.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("parse message %d: %w", total+1, err)
		}
		result, err := eng.AddMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("add message %q: %w", msg.ID, err)
		}
		total++
		extracted += len(result.SavedMemories)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Printf("Ingested %d messages, extracted %d memories\n", total, extracted)
	return nil
}

func toMemoryTypes(names []string) []engram.MemoryType {
	if len(names) == 0 {
		return nil
	}
	types := make([]engram.MemoryType, len(names))
	for i, n := range names {
		types[i] = engram.MemoryType(n)
	}
	return types
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default engram.toml)")

	addCmd.Flags().String("file", "", "JSONL file of messages to ingest")
	addCmd.Flags().String("content", "", "message content")
	addCmd.Flags().String("sender", "cli", "sender id")
	addCmd.Flags().String("sender-name", "", "sender display name")
	addCmd.Flags().String("role", "user", "message role (user or assistant)")
	addCmd.Flags().String("group", "", "group id")
	addCmd.Flags().String("id", "", "message id (generated when empty)")

	searchCmd.Flags().String("user", "", "filter by user id")
	searchCmd.Flags().String("group", "", "filter by group id")
	searchCmd.Flags().String("method", "rrf", "retrieval method: keyword, vector, rrf, hybrid, agentic")
	searchCmd.Flags().Int("top-k", 0, "number of results")
	searchCmd.Flags().Float64("radius", 0, "vector similarity floor (-1 disables)")
	searchCmd.Flags().Int("days", 0, "restrict to the last N days")
	searchCmd.Flags().StringSlice("types", nil, "memory types to search")

	fetchCmd.Flags().String("user", "", "filter by user id")
	fetchCmd.Flags().String("group", "", "filter by group id")
	fetchCmd.Flags().String("episode", "", "filter by episode id")
	fetchCmd.Flags().StringSlice("types", nil, "memory types to fetch")
	fetchCmd.Flags().Int("limit", 0, "page size")
	fetchCmd.Flags().Int("offset", 0, "page offset")
	fetchCmd.Flags().String("sort-by", "", "sort field: created_at, timestamp, importance")
	fetchCmd.Flags().String("sort-order", "", "sort order: asc or desc")

	deleteCmd.Flags().String("id", "", "memory id to delete")
	deleteCmd.Flags().String("user", "", "delete all memories for a user")
	deleteCmd.Flags().String("group", "", "delete all memories for a group")

	metaCmd.AddCommand(metaGetCmd, metaPatchCmd)
	rootCmd.AddCommand(initCmd, addCmd, searchCmd, fetchCmd, deleteCmd, flushCmd, metaCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
