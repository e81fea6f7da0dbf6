package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"roomchat/backend/internal/auth"
	"roomchat/backend/internal/config"
	"roomchat/backend/internal/logging"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/search"
	"roomchat/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Operate the roomchat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	historyCmd.Flags().Uint64("after", 0, "only messages with a greater sequence id")
	historyCmd.Flags().Int("limit", config.DefaultHistoryPageSize, "maximum number of messages")
	roomCmd.Flags().Bool("closed", false, "only listed members may join")
	roomCmd.Flags().String("name", "", "display name (defaults to the id)")
	userCmd.Flags().String("telegram", "", "telegram chat id for mention notifications")

	rootCmd.AddCommand(migrateCmd, tokenCmd, historyCmd, reindexCmd, roomCmd, memberCmd, userCmd)
}

func loadConfig() (*config.Config, zerolog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	return cfg, logging.New("warn", true)
}

func openDB() (*gorm.DB, error) {
	cfg, log := loadConfig()
	return storage.Open(cfg.DatabaseURL, log)
}

// openDirectory returns the room directory and, when REDIS_URL is set, the
// membership cache the servers read through.
func openDirectory() (*storage.GormDirectory, *storage.CachedDirectory, zerolog.Logger, error) {
	cfg, log := loadConfig()
	db, err := storage.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, log, err
	}
	dir := &storage.GormDirectory{DB: db}
	if cfg.RedisURL == "" {
		return dir, nil, log, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, log, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return dir, storage.NewCachedDirectory(dir, redis.NewClient(opts), cfg.MembershipCacheTTL, log), log, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		if err := storage.AutoMigrate(db); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user_id>",
	Short: "Sign a development token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := loadConfig()
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer).Issue(args[0], ttl)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room_id>",
	Short: "Print the messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		after, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		msgs, err := storage.NewStorageService(db).MessagesAfter(context.Background(), args[0], after, limit)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tAUTHOR\tVERSION\tCREATED\tTEXT")
		for _, m := range msgs {
			text := m.PlainText
			if m.Deleted() {
				text = "(deleted)"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				m.ID,
				m.AuthorID,
				m.Version,
				m.CreatedAt.Format("2006-01-02 15:04:05"),
				strings.ReplaceAll(text, "\n", " "),
			)
		}
		return w.Flush()
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Build the search index from the full corpus and report its size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		sync := search.NewSynchronizer(search.NewIndex(), storage.NewStorageService(db), 1, zerolog.Nop())
		start := time.Now()
		n, err := sync.Rebuild(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d documents in %s.\n", n, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var roomCmd = &cobra.Command{
	Use:   "room <room_id>",
	Short: "Create or update a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, cache, log, err := openDirectory()
		if err != nil {
			return err
		}
		closed, _ := cmd.Flags().GetBool("closed")
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = args[0]
		}
		room := &models.Room{ID: args[0], Name: name, Visibility: models.VisibilityOpen}
		if closed {
			room.Visibility = models.VisibilityClosed
		}
		ctx := context.Background()
		if err := dir.SaveRoom(ctx, room); err != nil {
			return err
		}
		if cache != nil {
			if err := cache.InvalidateRoom(ctx, room.ID); err != nil {
				log.Warn().Err(err).Str("room_id", room.ID).Msg("membership cache not invalidated")
			}
		}
		fmt.Printf("Room %s saved (%s).\n", room.ID, room.Visibility)
		return nil
	},
}

var memberCmd = &cobra.Command{
	Use:   "member <room_id> <user_id>",
	Short: "Add a user to a closed room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, cache, log, err := openDirectory()
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := dir.AddMember(ctx, args[0], args[1]); err != nil {
			return err
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, args[0], args[1]); err != nil {
				log.Warn().Err(err).Str("room_id", args[0]).Msg("membership cache not invalidated")
			}
		}
		fmt.Printf("User %s is a member of %s.\n", args[1], args[0])
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user <user_id> <handle>",
	Short: "Create or update a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		telegramID, _ := cmd.Flags().GetString("telegram")
		user := &models.User{ID: args[0], Handle: args[1], TelegramID: telegramID}
		if err := storage.NewStorageService(db).SaveUser(context.Background(), user); err != nil {
			return err
		}
		fmt.Printf("User %s saved as @%s.\n", user.ID, user.Handle)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
