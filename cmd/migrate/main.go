package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
)

func main() {
	var (
		command string
		version int
		source  string
	)
	flag.StringVar(&command, "cmd", "up", "Command to run: up, down, force, version")
	flag.IntVar(&version, "v", -1, "Version for force command")
	flag.StringVar(&source, "source", "file://migrations", "Migration source URL")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=migrate msg=\"no .env file found, using process environment\"")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("level=error component=migrate msg=\"DATABASE_URL is required\"")
	}

	m, err := migrate.New(source, dsn)
	if err != nil {
		log.Fatalf("level=error component=migrate msg=\"migration init failed\" err=%v", err)
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("level=error component=migrate msg=\"migration up failed\" err=%v", err)
		}
		log.Println("level=info component=migrate msg=\"migration up done\"")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("level=error component=migrate msg=\"migration down failed\" err=%v", err)
		}
		log.Println("level=info component=migrate msg=\"migration down done\"")
	case "force":
		if version == -1 {
			log.Fatal("level=error component=migrate msg=\"version (-v) is required for force\"")
		}
		if err := m.Force(version); err != nil {
			log.Fatalf("level=error component=migrate msg=\"migration force failed\" err=%v", err)
		}
		log.Printf("level=info component=migrate msg=\"migration forced\" version=%d", version)
	case "version":
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatalf("level=error component=migrate msg=\"read version failed\" err=%v", err)
		}
		log.Printf("level=info component=migrate version=%d dirty=%t", v, dirty)
	default:
		log.Fatalf("level=error component=migrate msg=\"unknown command\" cmd=%s", command)
	}
}
