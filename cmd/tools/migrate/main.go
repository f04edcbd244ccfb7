package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/m1cart-orders/internal/app"
	"github.com/noah-isme/m1cart-orders/internal/db"
)

// migrate applies or rolls back the embedded schema migrations.
//
//	migrate -cmd up
//	migrate -cmd down -steps 1
//	migrate -cmd version
func main() {
	var (
		cmd   = flag.String("cmd", "up", "up, down or version")
		steps = flag.Int("steps", 1, "migrations to roll back with -cmd down")
		dbURL = flag.String("database-url", "", "overrides DATABASE_URL")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment variables")
	}
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		log.Fatalf("load env: %v", err)
	}
	url := *dbURL
	if url == "" {
		url = k.String("DATABASE_URL")
	}
	if url == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	switch *cmd {
	case "up":
		m, err := db.NewMigrator(url)
		if err != nil {
			log.Fatal(err)
		}
		defer m.Close()
		if err := app.RunMigrations(m); err != nil {
			log.Fatal(err)
		}
		log.Println("migrations applied")
	case "down":
		if err := db.Down(url, *steps); err != nil {
			log.Fatal(err)
		}
		log.Printf("rolled back %d migration(s)", *steps)
	case "version":
		v, dirty, err := db.Version(url)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
	default:
		log.Fatalf("unknown -cmd %q", *cmd)
	}
}
