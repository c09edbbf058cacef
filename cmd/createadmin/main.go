// Command createadmin bootstraps an administrator account.
//
// The admin API can only be reached by an admin, so the first one has to be
// made from the command line:
//
//	go run ./cmd/createadmin -email admin@example.com
//
// If a user with that email or username already exists it is promoted to
// admin and its password is reset. Without -password a random password is
// generated and printed once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/code-aura/internal/auth"
	sqliteRepo "github.com/sakif/code-aura/internal/repository/sqlite"
	"github.com/sakif/code-aura/internal/service"
)

const generatedPasswordLength = 20

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "createadmin:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	// Same .env as the server, so -db defaults to the server's database.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading .env: %w", err)
	}

	flags := flag.NewFlagSet("createadmin", flag.ContinueOnError)
	username := flags.String("username", "admin", "admin username")
	email := flags.String("email", "", "admin email (required)")
	password := flags.String("password", os.Getenv("ADMIN_PASSWORD"), "admin password; generated when empty")
	dbPath := flags.String("db", envOr("DB_PATH", "data/codeaura.db"), "SQLite database path")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		flags.Usage()
		return errors.New("-email is required")
	}

	generated := false
	if *password == "" {
		p, err := auth.RandomPassword(generatedPasswordLength)
		if err != nil {
			return err
		}
		*password, generated = p, true
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sqliteRepo.New(*dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cost, _ := strconv.Atoi(os.Getenv("BCRYPT_COST"))
	admins := service.NewAdminService(db, auth.NewPasswordService(cost), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bio := "Code Aura Administrator"
	user, created, err := admins.EnsureAdmin(ctx, service.RegisterInput{
		Username: *username,
		Email:    *email,
		Password: *password,
		Bio:      &bio,
	})
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintf(out, "Admin user created: %s <%s> (id %d)\n", user.Username, user.Email, user.ID)
	} else {
		fmt.Fprintf(out, "Existing user %s <%s> (id %d) is now an admin; password reset\n", user.Username, user.Email, user.ID)
	}
	if generated {
		fmt.Fprintf(out, "Generated password: %s\n", *password)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
